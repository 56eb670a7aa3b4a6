// Package model defines the domain types shared by every aegis component:
// repositories, pull request contexts, tools, findings, and the scheduling
// records that tie them together.
package model

import "time"

// SizeBucket buckets a repository by its on-disk size for model/tool selection.
type SizeBucket string

const (
	SizeSmall  SizeBucket = "small"
	SizeMedium SizeBucket = "medium"
	SizeLarge  SizeBucket = "large"
)

// RepositoryIdentity uniquely identifies a repository across providers.
type RepositoryIdentity struct {
	Provider string
	Owner    string
	Name     string
}

// Repository is the durable record for a tracked repository. It is created on
// first observation and updated on metadata refresh; the core never deletes it.
type Repository struct {
	ID       string
	Identity RepositoryIdentity
	URL      string
	Private  bool

	PrimaryLanguage string
	Languages       map[string]int64 // language -> aggregate bytes
	Size            SizeBucket
	SizeBytes       int64

	DefaultBranch         string
	IsProduction          bool
	LastMetadataRefreshAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StaleMetadata reports whether the language byte-map should be refreshed.
// There is no external trigger for metadata refresh; aegis refreshes
// opportunistically once the map goes stale.
func (r *Repository) StaleMetadata(now time.Time, maxAge time.Duration) bool {
	if r.LastMetadataRefreshAt.IsZero() {
		return true
	}
	return now.Sub(r.LastMetadataRefreshAt) > maxAge
}

// ChangeType classifies how a file was touched by a pull request.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// File is a single file touched by a pull request.
type File struct {
	Path       string
	Content    string // absent for deleted files; invariant enforced by PullRequest.Validate
	Diff       string
	ChangeType ChangeType
	Language   string
}

// PullRequest is the immutable context of a single PR within one analysis run.
type PullRequest struct {
	Number      int
	Title       string
	Description string
	BaseRef     string
	TargetRef   string
	Author      string
	Files       []File
	Commits     []string
}

// Validate enforces the AnalysisContext invariant that deleted files never
// carry content.
func (pr *PullRequest) Validate() error {
	for _, f := range pr.Files {
		if f.ChangeType == ChangeDeleted && f.Content != "" {
			return &InvariantViolation{Rule: "pr.files never contains content for deleted files", Detail: f.Path}
		}
	}
	return nil
}

// InvariantViolation reports a broken data-model invariant.
type InvariantViolation struct {
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return "invariant violated: " + e.Rule + ": " + e.Detail
}

// UserContext carries the identity of whoever (or whatever) triggered a run.
type UserContext struct {
	UserID      string
	OrgID       string
	Permissions []string
}

// AgentRole names the perspective a tool is invoked under.
type AgentRole string

const (
	RoleCodeQuality  AgentRole = "code-quality"
	RoleSecurity     AgentRole = "security"
	RoleArchitecture AgentRole = "architecture"
	RoleDependencies AgentRole = "dependencies"
	RolePatterns     AgentRole = "patterns"
)

// AnalysisContext is the input handed to every tool invocation.
type AnalysisContext struct {
	ID            string
	AgentRole     AgentRole
	PR            PullRequest
	Repository    Repository
	UserContext   UserContext
	ToolOverrides []string
	CreatedAt     time.Time
}

// Validate checks the two cross-field invariants from the data model: no
// content on deleted files, and a repository language map consistent with
// the union of file languages actually present in the PR.
func (ac *AnalysisContext) Validate() error {
	if err := ac.PR.Validate(); err != nil {
		return err
	}
	for _, f := range ac.PR.Files {
		if f.Language == "" {
			continue
		}
		if _, ok := ac.Repository.Languages[f.Language]; !ok {
			return &InvariantViolation{
				Rule:   "repository.languages consistent with union of file languages",
				Detail: f.Language,
			}
		}
	}
	return nil
}
