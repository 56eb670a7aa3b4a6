// Package webhook is the inbound trigger surface and the single entry point for PR-review, repository-scan and scheduled-scan
// requests, whether human-initiated over HTTP or scheduler-initiated over
// the event bus. Every trigger materializes an AnalysisContext and runs one
// of the three analysis tiers.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisreview/aegis/internal/aerrors"
	"github.com/aegisreview/aegis/internal/analyzer"
	"github.com/aegisreview/aegis/internal/eventbus"
	"github.com/aegisreview/aegis/internal/gitmeta"
	"github.com/aegisreview/aegis/internal/logging"
	"github.com/aegisreview/aegis/internal/model"
	"github.com/aegisreview/aegis/internal/scheduler"
	"github.com/aegisreview/aegis/internal/selector"
	"github.com/aegisreview/aegis/internal/storage"
)

// Handler serves the inbound trigger surface and the scheduler's tick
// subscription.
type Handler struct {
	store      *storage.Store
	schedules  *scheduler.Store
	dispatcher *scheduler.Dispatcher
	cadencer   *scheduler.Cadencer
	pipeline   *analyzer.Pipeline
	selector   *selector.Selector
	log        *logging.Logger

	signingKey   []byte
	stagingRoot  string // PR file sets staged here before execution
	checkoutRoot string // full repository checkouts for non-quick tiers
}

// NewHandler wires the webhook surface over the shared stores and pipeline.
func NewHandler(store *storage.Store, schedules *scheduler.Store, dispatcher *scheduler.Dispatcher,
	cadencer *scheduler.Cadencer, pipeline *analyzer.Pipeline, sel *selector.Selector,
	signingKey []byte, stagingRoot, checkoutRoot string, log *logging.Logger) *Handler {
	return &Handler{
		store:        store,
		schedules:    schedules,
		dispatcher:   dispatcher,
		cadencer:     cadencer,
		pipeline:     pipeline,
		selector:     sel,
		log:          log,
		signingKey:   signingKey,
		stagingRoot:  stagingRoot,
		checkoutRoot: checkoutRoot,
	}
}

// Router builds the chi router: authenticated webhook endpoints, the
// internal tick endpoint and the operational surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(h.signingKey))
		r.Post("/webhooks/pr", h.handlePRReview)
		r.Post("/webhooks/scan", h.handleRepoScan)
	})

	// The internal tick endpoint is reached only from the bus subscriber's
	// loopback and trusted schedulers; it carries no user identity.
	r.Post("/internal/tick", h.handleScheduledScan)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// SubscribeTicks consumes the scheduler's fired events so a schedule tick
// flows through the same code path as an external scheduled-scan request.
func (h *Handler) SubscribeTicks(ctx context.Context, bus eventbus.MessageBus) (eventbus.Subscription, error) {
	return bus.Subscribe(ctx, eventbus.SubjectScheduleFired, func(msg *eventbus.Message) []byte {
		var fired scheduler.FiredEvent
		if err := json.Unmarshal(msg.Data, &fired); err != nil {
			if h.log != nil {
				h.log.Warn("dropping malformed tick", "error", err.Error())
			}
			return nil
		}
		if err := h.RunScheduledScan(ctx, fired.ScheduleID); err != nil && h.log != nil {
			h.log.Warn("scheduled scan failed", "schedule_id", fired.ScheduleID, "error", err.Error())
		}
		return nil
	})
}

func (h *Handler) handlePRReview(w http.ResponseWriter, r *http.Request) {
	var req PRReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repo, err := h.observeRepository(r.Context(), req.RepoURL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.log != nil {
		h.log.WebhookReceived("pr.review", repo.ID)
	}

	ac, err := h.newContext(r.Context(), repo, roleOrDefault(req.Role))
	if err != nil {
		h.writeError(w, err)
		return
	}
	ac.PR = model.PullRequest{
		Number:      req.PRNumber,
		Title:       req.Title,
		Description: req.Description,
		BaseRef:     req.BaseRef,
		TargetRef:   req.TargetRef,
		Author:      req.Author,
		Files:       toFiles(req.Files),
		Commits:     req.Commits,
	}
	reconcileLanguages(&ac.Repository, ac.PR.Files)

	sourceDir, cleanup, err := h.stagePRFiles(ac)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cleanup()

	result, err := h.pipeline.Quick(r.Context(), ac, sourceDir, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, result)
}

func (h *Handler) handleRepoScan(w http.ResponseWriter, r *http.Request) {
	var req RepoScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repo, err := h.observeRepository(r.Context(), req.RepoURL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.log != nil {
		h.log.WebhookReceived("repo.scan", repo.ID)
	}

	ac, err := h.newContext(r.Context(), repo, roleOrDefault(req.Role))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.populateBranchDiff(r.Context(), ac, repo, req.Branch)

	result, err := h.pipeline.Comprehensive(r.Context(), ac, h.sourceDirFor(repo), analyzer.Fingerprint(ac), nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeResult(w, result)
}

func (h *Handler) handleScheduledScan(w http.ResponseWriter, r *http.Request) {
	var req ScheduledScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduleID == "" {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := h.RunScheduledScan(r.Context(), req.ScheduleID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RunScheduledScan executes one schedule firing: it runs the tier implied by
// the cadence, records the ScheduleRun, and invokes the cadence adjuster.
func (h *Handler) RunScheduledScan(ctx context.Context, scheduleID string) error {
	sched, err := h.scheduleByID(ctx, scheduleID)
	if err != nil {
		return err
	}
	repo, err := h.store.GetRepositoryByID(ctx, sched.RepositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return aerrors.New(aerrors.CodeInvalidInput, "schedule references unknown repository").
			WithContext("scheduleId", scheduleID)
	}
	if h.log != nil {
		h.log.WebhookReceived("schedule.tick", repo.ID)
	}
	h.refreshMetadata(ctx, repo)

	ac, err := h.newContext(ctx, repo, model.RoleCodeQuality)
	if err != nil {
		return err
	}

	tier := scheduler.TierForCadence(sched.Cadence)
	started := time.Now()
	sourceDir := h.sourceDirFor(repo)
	fingerprint := analyzer.Fingerprint(ac)

	var result *model.ConsolidatedResult
	var runErr error
	switch tier {
	case analyzer.TierQuick:
		result, runErr = h.pipeline.Quick(ctx, ac, sourceDir, nil)
	case analyzer.TierComprehensive:
		result, runErr = h.pipeline.Comprehensive(ctx, ac, sourceDir, fingerprint, nil)
	default:
		result, runErr = h.pipeline.Targeted(ctx, ac, sourceDir, fingerprint, nil, nil)
	}

	completed := time.Now()
	run := &model.ScheduleRun{
		ScheduleID:  sched.ID,
		Tier:        tier,
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	switch {
	case runErr != nil:
		run.Status = model.RunError
		run.Error = runErr.Error()
	case result != nil && len(result.ToolsSucceeded) == 0 && len(result.ToolsFailed) > 0:
		run.Status = model.RunFailed
		run.FindingsCount = len(result.Findings)
	default:
		run.Status = model.RunSuccess
		run.FindingsCount = len(result.Findings)
		run.CriticalCount = criticalCount(result.Findings)
	}

	if err := h.dispatcher.CompleteRun(ctx, sched, run); err != nil {
		return err
	}
	if _, err := h.cadencer.AdjustAfterRun(ctx, repo, sched, run, h.activityFor(repo)); err != nil {
		return err
	}
	return runErr
}

// observeRepository looks a repository up by URL, creating it on first
// observation.
func (h *Handler) observeRepository(ctx context.Context, repoURL string) (*model.Repository, error) {
	identity, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, aerrors.Wrap(err, aerrors.CodeInvalidInput, "unparseable repository URL")
	}
	repo, err := h.store.GetRepository(ctx, identity)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		repo = &model.Repository{
			Identity: identity,
			URL:      repoURL,
			Size:     model.SizeSmall,
		}
		if err := h.store.UpsertRepository(ctx, repo); err != nil {
			return nil, err
		}
	}
	h.refreshMetadata(ctx, repo)
	return repo, nil
}

// refreshMetadata re-derives the language byte-map, primary language and
// size bucket from the local checkout once the stored metadata goes stale.
// A repository without a checkout yet is left alone; the next scan that has
// one refreshes it.
func (h *Handler) refreshMetadata(ctx context.Context, repo *model.Repository) {
	if !repo.StaleMetadata(time.Now(), gitmeta.MetadataMaxAge) {
		return
	}
	dir := h.sourceDirFor(repo)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return
	}
	if err := gitmeta.Refresh(ctx, repo, dir); err != nil {
		if h.log != nil {
			h.log.Warn("metadata refresh failed", "repository_id", repo.ID, "error", err.Error())
		}
		return
	}
	if err := h.store.UpsertRepository(ctx, repo); err != nil && h.log != nil {
		h.log.Warn("persisting refreshed metadata failed", "repository_id", repo.ID, "error", err.Error())
	}
}

// populateBranchDiff attaches the base..branch changed-file set to a scan
// context when a non-default branch was requested, so the comprehensive
// tier sees the same file list a PR for that branch would carry. Failure
// degrades to scanning the full checkout.
func (h *Handler) populateBranchDiff(ctx context.Context, ac *model.AnalysisContext, repo *model.Repository, branch string) {
	if branch == "" || repo.DefaultBranch == "" || branch == repo.DefaultBranch {
		return
	}
	files, err := gitmeta.ChangedFiles(ctx, h.sourceDirFor(repo), repo.DefaultBranch, branch)
	if err != nil {
		if h.log != nil {
			h.log.Warn("branch diff unavailable, scanning full checkout",
				"repository_id", repo.ID, "branch", branch, "error", err.Error())
		}
		return
	}
	ac.PR = model.PullRequest{BaseRef: repo.DefaultBranch, TargetRef: branch, Files: files}
	reconcileLanguages(&ac.Repository, files)
}

// newContext materializes the AnalysisContext for a run. The selector's
// resolution rides along as the ordered tool list every tier uses to split
// primary from fallbacks; a context nothing is configured for aborts the
// run here.
func (h *Handler) newContext(ctx context.Context, repo *model.Repository, role model.AgentRole) (*model.AnalysisContext, error) {
	sel, err := h.selector.Resolve(ctx, role, repo.PrimaryLanguage, repo.Size, nil)
	if err != nil {
		return nil, err
	}
	ac := &model.AnalysisContext{
		ID:         uuid.NewString(),
		AgentRole:  role,
		Repository: *repo,
		CreatedAt:  time.Now(),
	}
	if uc, ok := UserFromContext(ctx); ok {
		ac.UserContext = uc
	}
	ac.ToolOverrides = append([]string{sel.ToolID}, sel.Fallbacks...)
	return ac, nil
}

// stagePRFiles writes the PR's non-deleted files under a per-run staging
// directory the executor materializes workspaces from. Concurrent runs for
// the same user land in distinct directories.
func (h *Handler) stagePRFiles(ac *model.AnalysisContext) (string, func(), error) {
	dir := filepath.Join(h.stagingRoot, ac.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, err
	}
	for _, f := range ac.PR.Files {
		if f.ChangeType == model.ChangeDeleted {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", nil, err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return "", nil, err
		}
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func (h *Handler) sourceDirFor(repo *model.Repository) string {
	return filepath.Join(h.checkoutRoot, repo.ID)
}

func (h *Handler) scheduleByID(ctx context.Context, scheduleID string) (*model.Schedule, error) {
	schedules, err := h.schedules.Active(ctx)
	if err != nil {
		return nil, aerrors.Wrap(err, aerrors.CodeScheduleStoreUnavailable, "loading schedules")
	}
	for _, s := range schedules {
		if s.ID == scheduleID {
			return s, nil
		}
	}
	return nil, aerrors.New(aerrors.CodeInvalidInput, "unknown schedule").WithContext("scheduleId", scheduleID)
}

// activityFor derives activity metrics for cadence adjustment. Providers
// push richer activity data through metadata refresh; absent that, commit
// recency stands in.
func (h *Handler) activityFor(repo *model.Repository) scheduler.ActivityMetrics {
	if repo.LastMetadataRefreshAt.IsZero() {
		return scheduler.ActivityMetrics{}
	}
	if time.Since(repo.LastMetadataRefreshAt) < 7*24*time.Hour {
		return scheduler.ActivityMetrics{CommitsLastWeek: 1, CommitsLastMonth: 1, ActiveDevs: 1}
	}
	return scheduler.ActivityMetrics{}
}

func (h *Handler) writeResult(w http.ResponseWriter, result *model.ConsolidatedResult) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil && h.log != nil {
		h.log.Warn("writing response failed", "error", err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case aerrors.IsCode(err, aerrors.CodeInvalidInput):
		status = http.StatusBadRequest
	case aerrors.IsCode(err, aerrors.CodeNoConfigurationForContext):
		status = http.StatusUnprocessableEntity
	case aerrors.IsCode(err, aerrors.CodeNoRegisteredTools):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func roleOrDefault(role string) model.AgentRole {
	if role == "" {
		return model.RoleCodeQuality
	}
	return model.AgentRole(role)
}

func criticalCount(findings []model.Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}

// reconcileLanguages extends the repository's language map with any language
// appearing in the PR's files, keeping the AnalysisContext invariant that
// the map covers the union of file languages.
func reconcileLanguages(repo *model.Repository, files []model.File) {
	if repo.Languages == nil {
		repo.Languages = make(map[string]int64)
	}
	for _, f := range files {
		if f.Language == "" {
			continue
		}
		if _, ok := repo.Languages[f.Language]; !ok {
			repo.Languages[f.Language] = int64(len(f.Content))
		}
	}
}
