package task

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hlsgrab/internal/downloader"
	"hlsgrab/internal/errs"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/log"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/metrics"
	"hlsgrab/internal/segment"
	"hlsgrab/internal/transcode"
)

// Request is the user's enqueue payload.
type Request struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	FileName  string  `json:"file_name"`
	Channel   Channel `json:"channel"`
	Referer   string  `json:"referer"`
	Origin    string  `json:"origin"`
	UserAgent string  `json:"user_agent"`
}

// run is the ownership record of one live task goroutine.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerDeps carries the collaborators a Manager drives.
type ManagerDeps struct {
	Repo     *Repository
	Store    segment.Store
	Resolver downloader.Resolver
	Orch     *downloader.Orchestrator
	Merger   *downloader.Merger

	// Jobs is nil when no transcode endpoint is configured.
	Jobs transcode.Client

	OutputDir string
	PollEvery time.Duration
}

// Manager owns the task lifecycle: persistence, direct download runs
// and external transcode jobs. At most one goroutine runs per task.
type Manager struct {
	repo     *Repository
	store    segment.Store
	resolver downloader.Resolver
	orch     *downloader.Orchestrator
	merger   *downloader.Merger
	jobs     transcode.Client

	outputDir string
	pollEvery time.Duration

	mu   sync.Mutex
	runs map[string]*run

	pctMu    sync.Mutex
	mergePct map[string]int

	baseCtx   context.Context
	cancelAll context.CancelFunc

	log zerolog.Logger
}

func NewManager(d ManagerDeps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		repo:      d.Repo,
		store:     d.Store,
		resolver:  d.Resolver,
		orch:      d.Orch,
		merger:    d.Merger,
		jobs:      d.Jobs,
		outputDir: d.OutputDir,
		pollEvery: d.PollEvery,
		runs:      map[string]*run{},
		mergePct:  map[string]int{},
		baseCtx:   ctx,
		cancelAll: cancel,
		log:       log.WithComponent("task"),
	}
	if m.pollEvery <= 0 {
		m.pollEvery = 2 * time.Second
	}
	m.orch.OnProgress = m.onProgress
	m.orch.OnPlanRefresh = m.onPlanRefresh
	m.merger.OnProgress = m.onMergeProgress
	return m
}

func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Task, error) {
	return m.repo.List(ctx)
}

// ArtifactPath is where a completed direct task's file lives.
func (m *Manager) ArtifactPath(t *Task) string {
	return filepath.Join(m.outputDir, t.FileName)
}

// Enqueue validates the request, persists a queued task and launches
// its run.
func (m *Manager) Enqueue(ctx context.Context, req Request) (*Task, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return nil, errs.New(errs.CodeInvalidInput, "source url is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errs.New(errs.CodeInvalidInput, "source url must be http or https")
	}

	mediaType := MediaSingleFile
	if manifest.LooksLikePlaylist(req.URL) {
		mediaType = MediaSegmented
	}

	channel := req.Channel
	if channel == "" {
		channel = ChannelDirect
	}
	if channel != ChannelDirect && channel != ChannelTranscode {
		return nil, errs.Newf(errs.CodeInvalidInput, "unknown channel %q", channel)
	}
	// Only playlist sources go through the transcode service.
	if mediaType != MediaSegmented {
		channel = ChannelDirect
	}
	if channel == ChannelTranscode && m.jobs == nil {
		return nil, errs.New(errs.CodeInvalidInput, "external transcode channel is not configured")
	}

	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		Title:     req.Title,
		FileName:  deriveFileName(req.FileName, req.Title, req.URL, mediaType),
		SourceURL: req.URL,
		MediaType: mediaType,
		Channel:   channel,
		Status:    StatusQueued,
		Referer:   req.Referer,
		Origin:    req.Origin,
		UserAgent: req.UserAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	metrics.IncTaskTransition(string(StatusQueued))
	m.log.Info().
		Str("task_id", t.ID).
		Str("url", t.SourceURL).
		Str("media_type", string(mediaType)).
		Str("channel", string(channel)).
		Msg("task enqueued")

	if channel == ChannelTranscode {
		_ = m.startExternalRun(t.ID)
	} else {
		_ = m.startRun(t.ID)
	}
	return t, nil
}

// Pause stops a live run. The paused status is persisted before this
// returns.
func (m *Manager) Pause(ctx context.Context, id string) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if t.Channel == ChannelTranscode {
		if m.jobs == nil {
			return errs.New(errs.CodeInvalidInput, "external transcode channel is not configured")
		}
		if !t.Status.Active() && t.Status != StatusQueued {
			return errs.Newf(errs.CodeInvalidState, "cannot pause task in status %s", t.Status)
		}
		m.stopRun(id)
		if cur, err := m.repo.Get(ctx, id); err == nil {
			t = cur
		}
		if t.ExternalJobID != "" {
			// Best effort: a job the service lost is as paused as it gets.
			if err := m.jobs.Pause(ctx, t.ExternalJobID); err != nil && !errs.HasCode(err, errs.CodeExternalJobMissing) {
				m.log.Warn().Err(err).Str("task_id", id).Msg("external job pause failed")
			}
		}
		m.setStatus(id, StatusPaused)
		return nil
	}

	if !m.stopRun(id) {
		return errs.Newf(errs.CodeInvalidState, "task %s is not running", id)
	}
	return nil
}

// Resume restarts a paused task over whatever the store already holds.
func (m *Manager) Resume(ctx context.Context, id string) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaused {
		return errs.Newf(errs.CodeInvalidState, "cannot resume task in status %s", t.Status)
	}

	if t.Channel == ChannelTranscode {
		if m.jobs == nil {
			return errs.New(errs.CodeInvalidInput, "external transcode channel is not configured")
		}
		if t.ExternalJobID == "" {
			// Paused before the job ever started.
			return m.startExternalRun(id)
		}
		if err := m.jobs.Resume(ctx, t.ExternalJobID); err != nil {
			if errs.HasCode(err, errs.CodeExternalJobMissing) {
				m.fail(id, err)
			}
			return err
		}
		m.setStatus(id, StatusDownloading)
		// A poll goroutine may still be mirroring a job the service
		// paused on its own; it will see the resumed state next tick.
		_ = m.startExternalRun(id)
		return nil
	}
	return m.startRun(id)
}

// Retry reruns a failed task.
func (m *Manager) Retry(ctx context.Context, id string) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusError {
		return errs.Newf(errs.CodeInvalidState, "cannot retry task in status %s", t.Status)
	}

	if t.Channel == ChannelTranscode {
		if m.jobs == nil {
			return errs.New(errs.CodeInvalidInput, "external transcode channel is not configured")
		}
		if t.ExternalJobID != "" {
			err := m.jobs.Resume(ctx, t.ExternalJobID)
			if err == nil {
				m.setStatus(id, StatusDownloading)
				return m.startExternalRun(id)
			}
			if !errs.HasCode(err, errs.CodeExternalJobMissing) {
				return err
			}
		}
		// The remote job is gone; start over with a fresh one.
		if err := m.repo.SetExternalJob(ctx, id, ""); err != nil {
			return err
		}
		m.setStatus(id, StatusQueued)
		return m.startExternalRun(id)
	}

	idx, err := m.store.Indexes(ctx, id)
	if err != nil {
		return err
	}
	if len(idx) == 0 && t.MediaType == MediaSegmented {
		// Nothing landed; force a fresh resolve on the next run.
		t.SegmentURLs = nil
		t.SegmentRanges = nil
		t.TotalSegments = 0
		t.PlaylistURL = ""
		if err := m.repo.Update(ctx, t); err != nil {
			return err
		}
	}
	return m.startRun(id)
}

// Remove stops any live run and deletes the task, its stored segments
// and its artifact.
func (m *Manager) Remove(ctx context.Context, id string) error {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	m.stopRun(id)

	if t.Channel == ChannelTranscode && m.jobs != nil && t.ExternalJobID != "" {
		if err := m.jobs.Remove(ctx, t.ExternalJobID); err != nil {
			m.log.Warn().Err(err).Str("task_id", id).Msg("external job remove failed")
		}
	}

	if err := m.store.Clear(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("segment purge failed")
	}
	if t.FileName != "" {
		if err := os.Remove(m.ArtifactPath(t)); err != nil && !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("task_id", id).Msg("artifact remove failed")
		}
	}
	return m.repo.Delete(ctx, id)
}

// Restore reconciles persisted tasks after a restart. Statuses owned by
// goroutines that no longer exist normalize to paused, and segment
// counters resync from the store, which is the source of truth. Nothing
// auto-resumes.
func (m *Manager) Restore(ctx context.Context) error {
	tasks, err := m.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.Active() || t.Status == StatusQueued {
			if err := m.repo.UpdateStatus(ctx, t.ID, StatusPaused, ""); err != nil {
				m.log.Warn().Err(err).Str("task_id", t.ID).Msg("restore status write failed")
				continue
			}
			t.Status = StatusPaused
		}
		if t.Channel != ChannelDirect || t.Status == StatusCompleted {
			continue
		}
		idx, err := m.store.Indexes(ctx, t.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", t.ID).Msg("restore segment scan failed")
			continue
		}
		segs := 0
		for _, i := range idx {
			if t.TotalSegments == 0 || i < t.TotalSegments {
				segs++
			}
		}
		bytes, err := m.store.SumBytes(ctx, t.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", t.ID).Msg("restore byte scan failed")
			continue
		}
		if segs != t.DownloadedSegments || bytes != t.DownloadedBytes {
			if err := m.repo.PatchProgress(ctx, t.ID, segs, bytes, 0); err != nil {
				m.log.Warn().Err(err).Str("task_id", t.ID).Msg("restore progress repair failed")
			}
		}
	}
	m.log.Info().Int("tasks", len(tasks)).Msg("tasks restored")
	return nil
}

// Close cancels every live run and waits for each to persist its
// paused state.
func (m *Manager) Close() {
	m.cancelAll()
	m.mu.Lock()
	waits := make([]chan struct{}, 0, len(m.runs))
	for _, r := range m.runs {
		waits = append(waits, r.done)
	}
	m.mu.Unlock()
	for _, d := range waits {
		<-d
	}
}

// startRun claims the task and launches its direct download goroutine.
func (m *Manager) startRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.runs[id]; busy {
		return errs.Newf(errs.CodeInvalidState, "task %s is already running", id)
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	go m.execute(ctx, id, r)
	return nil
}

func (m *Manager) startExternalRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.runs[id]; busy {
		return errs.Newf(errs.CodeInvalidState, "task %s is already running", id)
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	go m.executeExternal(ctx, id, r)
	return nil
}

// stopRun cancels the task's goroutine, if any, and waits for it to
// finish persisting its state.
func (m *Manager) stopRun(id string) bool {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// release drops the ownership entry and signals waiters. Terminal
// status writes happen before this, so a caller returning from done
// sees the persisted state.
func (m *Manager) release(id string, r *run) {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
	close(r.done)
}

// execute is the direct channel run: parse if needed, download, merge.
func (m *Manager) execute(ctx context.Context, id string, r *run) {
	defer m.release(id, r)

	t, err := m.repo.Get(ctx, id)
	if err != nil {
		m.log.Error().Err(err).Str("task_id", id).Msg("run aborted, task load failed")
		return
	}

	if len(t.SegmentURLs) == 0 {
		if err := m.parse(ctx, t); err != nil {
			if ctx.Err() != nil {
				m.setStatus(id, StatusPaused)
				return
			}
			m.fail(id, err)
			return
		}
	}

	m.setStatus(id, StatusDownloading)
	err = m.orch.Run(ctx, downloader.Job{
		TaskID:        t.ID,
		SourceURL:     t.SourceURL,
		SegmentURLs:   t.SegmentURLs,
		SegmentRanges: t.SegmentRanges,
		Headers:       headersOf(t),
	})
	switch {
	case errors.Is(err, downloader.ErrPaused):
		m.setStatus(id, StatusPaused)
		return
	case err != nil:
		m.fail(id, err)
		return
	}

	m.setStatus(id, StatusMerging)
	artifact, err := m.merger.Merge(ctx, t.ID, len(t.SegmentURLs), t.FileName)
	if err != nil {
		if ctx.Err() != nil {
			m.setStatus(id, StatusPaused)
			return
		}
		m.fail(id, err)
		return
	}

	var size int64
	if info, err := os.Stat(artifact); err == nil {
		size = info.Size()
	}
	m.markCompleted(id, size)
}

// parse resolves the segment plan and persists it. Single-file sources
// get a one-entry plan over the raw URL; playlist sources take their
// artifact extension from the resolved container.
func (m *Manager) parse(ctx context.Context, t *Task) error {
	m.setStatus(t.ID, StatusParsing)

	if t.MediaType == MediaSingleFile {
		t.SegmentURLs = []string{t.SourceURL}
		t.SegmentRanges = nil
		t.TotalSegments = 1
	} else {
		plan, err := m.resolver.Resolve(ctx, t.SourceURL, headersOf(t))
		if err != nil {
			return err
		}
		if plan.Encrypted {
			return errs.New(errs.CodeEncryptedStream, "playlist declares key-based encryption").WithURL(plan.FinalURL)
		}
		t.PlaylistURL = plan.FinalURL
		t.SegmentURLs = plan.SegmentURLs
		t.SegmentRanges = plan.SegmentRanges
		t.TotalSegments = len(plan.SegmentURLs)
		t.FileName = replaceExt(t.FileName, plan.Container.Ext())
	}
	return m.repo.Update(ctx, t)
}

// executeExternal starts the remote job if the task has none yet, then
// mirrors it until done.
func (m *Manager) executeExternal(ctx context.Context, id string, r *run) {
	defer m.release(id, r)

	t, err := m.repo.Get(ctx, id)
	if err != nil {
		m.log.Error().Err(err).Str("task_id", id).Msg("run aborted, task load failed")
		return
	}

	prev := t.Status
	jobID := t.ExternalJobID
	if jobID == "" {
		job, err := m.jobs.Start(ctx, t.SourceURL, t.Title, t.FileName)
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(id, StatusPaused)
				return
			}
			m.fail(id, err)
			return
		}
		jobID = job.ID
		pctx, cancel := patchCtx()
		err = m.repo.SetExternalJob(pctx, id, jobID)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("task_id", id).Msg("external job id write failed")
		}
		m.log.Info().Str("task_id", id).Str("job_id", jobID).Msg("external job started")

		st := mapExternalStatus(job.Status)
		m.applyJob(id, st, job)
		if st != prev {
			metrics.IncTaskTransition(string(st))
			prev = st
		}
		if job.Status.Terminal() {
			return
		}
	}
	m.pollLoop(ctx, id, jobID, prev)
}

// pollLoop mirrors the remote job into the local record until the job
// reaches a terminal state or the run is cancelled.
func (m *Manager) pollLoop(ctx context.Context, id, jobID string, prev Status) {
	tick := time.NewTicker(m.pollEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			m.setStatus(id, StatusPaused)
			return
		case <-tick.C:
		}

		job, err := m.jobs.Poll(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(id, StatusPaused)
				return
			}
			if errs.HasCode(err, errs.CodeExternalJobMissing) {
				m.fail(id, err)
				return
			}
			m.log.Warn().Err(err).Str("task_id", id).Str("job_id", jobID).Msg("transcode poll failed")
			continue
		}

		st := mapExternalStatus(job.Status)
		m.applyJob(id, st, job)
		if st != prev {
			metrics.IncTaskTransition(string(st))
			prev = st
		}
		if job.Status.Terminal() {
			m.log.Info().
				Str("task_id", id).
				Str("job_id", jobID).
				Str("status", string(st)).
				Msg("external job finished")
			return
		}
	}
}

func (m *Manager) applyJob(id string, st Status, job *transcode.Job) {
	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.PatchExternal(ctx, id, st, int(job.Progress), job.DownloadedBytes, job.DownloadURL, job.Error); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("external patch failed")
	}
}

func mapExternalStatus(s transcode.Status) Status {
	switch s {
	case transcode.StatusRunning:
		return StatusDownloading
	case transcode.StatusPaused:
		return StatusPaused
	case transcode.StatusCompleted:
		return StatusCompleted
	case transcode.StatusError:
		return StatusError
	default:
		return StatusQueued
	}
}

// onProgress is the orchestrator's progress sink.
func (m *Manager) onProgress(taskID string, p downloader.Progress) {
	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.PatchProgress(ctx, taskID, p.DownloadedSegments, p.DownloadedBytes, p.SpeedBps); err != nil {
		m.log.Warn().Err(err).Str("task_id", taskID).Msg("progress patch failed")
	}
}

// onPlanRefresh persists the URLs an auth refresh swapped in, so a
// later resume fetches live segments instead of expired ones.
func (m *Manager) onPlanRefresh(taskID string, urls []string, ranges map[int]string) {
	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.UpdatePlan(ctx, taskID, urls, ranges); err != nil {
		m.log.Warn().Err(err).Str("task_id", taskID).Msg("refreshed plan write failed")
	}
}

// onMergeProgress coarsens merge percents to roughly five point steps,
// always letting 100 through.
func (m *Manager) onMergeProgress(taskID string, pct int) {
	m.pctMu.Lock()
	last, seen := m.mergePct[taskID]
	if seen && pct < 100 && pct-last < 5 {
		m.pctMu.Unlock()
		return
	}
	if pct >= 100 {
		delete(m.mergePct, taskID)
	} else {
		m.mergePct[taskID] = pct
	}
	m.pctMu.Unlock()

	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.SetMergeProgress(ctx, taskID, pct); err != nil {
		m.log.Warn().Err(err).Str("task_id", taskID).Msg("merge progress write failed")
	}
}

func (m *Manager) setStatus(id string, st Status) {
	m.setStatusErr(id, st, "")
}

func (m *Manager) setStatusErr(id string, st Status, errMsg string) {
	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.UpdateStatus(ctx, id, st, errMsg); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Str("status", string(st)).Msg("status update failed")
		return
	}
	metrics.IncTaskTransition(string(st))
}

func (m *Manager) fail(id string, err error) {
	m.setStatusErr(id, StatusError, err.Error())
	m.log.Error().
		Err(err).
		Str("task_id", id).
		Str("code", errs.CodeOf(err).String()).
		Msg("task failed")
}

func (m *Manager) markCompleted(id string, size int64) {
	ctx, cancel := patchCtx()
	defer cancel()
	if err := m.repo.MarkCompleted(ctx, id, size); err != nil {
		m.log.Warn().Err(err).Str("task_id", id).Msg("completion write failed")
		return
	}
	metrics.IncTaskTransition(string(StatusCompleted))
	m.log.Info().Str("task_id", id).Int64("bytes", size).Msg("task completed")
}

// patchCtx bounds repository writes issued outside a run context, which
// must land even when the run itself was cancelled.
func patchCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func headersOf(t *Task) fetch.Headers {
	return fetch.Headers{Referer: t.Referer, Origin: t.Origin, UserAgent: t.UserAgent}
}

// deriveFileName picks the artifact name: explicit name, then title,
// then the URL path base. Segmented artifacts get a provisional .ts
// extension that parsing rewrites once the container is known.
func deriveFileName(explicit, title, rawURL string, mediaType MediaType) string {
	name := strings.TrimSpace(explicit)
	if name == "" {
		name = strings.TrimSpace(title)
	}
	var srcExt string
	if u, err := url.Parse(rawURL); err == nil {
		srcExt = path.Ext(u.Path)
		if name == "" {
			// path.Base yields "/" or "." for pathless URLs.
			if base := strings.TrimSuffix(path.Base(u.Path), srcExt); base != "/" && base != "." {
				name = base
			}
		}
	}
	name = sanitizeFileName(name)

	if mediaType == MediaSingleFile {
		if path.Ext(name) != "" {
			return name
		}
		if srcExt != "" {
			return name + srcExt
		}
		return name + ".bin"
	}
	return replaceExt(name, ".ts")
}

func sanitizeFileName(name string) string {
	repl := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
	)
	name = strings.Trim(repl.Replace(name), ". ")
	if name == "" {
		return "download"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

func replaceExt(name, ext string) string {
	if old := path.Ext(name); old != "" {
		name = strings.TrimSuffix(name, old)
	}
	return name + ext
}
