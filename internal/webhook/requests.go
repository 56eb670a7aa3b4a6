package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aegisreview/aegis/internal/model"
)

// PRReviewRequest is the pr.opened / pr.updated shape.
type PRReviewRequest struct {
	RepoURL     string        `json:"repoUrl"`
	PRNumber    int           `json:"prNumber"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	BaseRef     string        `json:"baseRef"`
	TargetRef   string        `json:"targetRef"`
	Author      string        `json:"author"`
	Files       []FilePayload `json:"files"`
	Commits     []string      `json:"commits"`
	Role        string        `json:"role"`
}

// RepoScanRequest is the repo.scan shape.
type RepoScanRequest struct {
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch"`
	Role    string `json:"role"`
}

// ScheduledScanRequest is the internal schedule.tick shape.
type ScheduledScanRequest struct {
	ScheduleID string `json:"scheduleId"`
}

// FilePayload is one changed file in a PR review request.
type FilePayload struct {
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
	Diff       string `json:"diff,omitempty"`
	ChangeType string `json:"changeType"`
	Language   string `json:"language,omitempty"`
}

func (r *PRReviewRequest) validate() error {
	if r.RepoURL == "" {
		return fmt.Errorf("repoUrl is required")
	}
	if r.PRNumber <= 0 {
		return fmt.Errorf("prNumber is required")
	}
	if len(r.Files) == 0 {
		return fmt.Errorf("file list is required")
	}
	return nil
}

func (r *RepoScanRequest) validate() error {
	if r.RepoURL == "" {
		return fmt.Errorf("repoUrl is required")
	}
	return nil
}

// toFiles converts the wire payload into the domain file list, dropping
// content from deleted files so the AnalysisContext invariant holds even
// for sloppy senders.
func toFiles(payloads []FilePayload) []model.File {
	files := make([]model.File, 0, len(payloads))
	for _, p := range payloads {
		f := model.File{
			Path:       p.Path,
			Content:    p.Content,
			Diff:       p.Diff,
			ChangeType: model.ChangeType(p.ChangeType),
			Language:   p.Language,
		}
		if f.ChangeType == "" {
			f.ChangeType = model.ChangeModified
		}
		if f.ChangeType == model.ChangeDeleted {
			f.Content = ""
		}
		files = append(files, f)
	}
	return files
}

// ParseRepoURL derives the repository identity from its clone or web URL.
func ParseRepoURL(raw string) (model.RepositoryIdentity, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.RepositoryIdentity{}, fmt.Errorf("parsing repository URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return model.RepositoryIdentity{}, fmt.Errorf("repository URL %q lacks owner/name", raw)
	}
	provider := u.Hostname()
	if i := strings.Index(provider, "."); i > 0 {
		provider = provider[:i]
	}
	return model.RepositoryIdentity{
		Provider: provider,
		Owner:    parts[0],
		Name:     strings.TrimSuffix(parts[1], ".git"),
	}, nil
}
