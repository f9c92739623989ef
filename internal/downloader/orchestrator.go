// Package downloader drains resolved segment plans with a bounded
// worker pool and assembles the artifact once every segment is stored.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"hlsgrab/internal/errs"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/log"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/metrics"
	"hlsgrab/internal/segment"
)

// ErrPaused reports that a run stopped because its context was
// cancelled by its owner, not because of a failure.
var ErrPaused = errors.New("download paused")

// largePlaylistSegments is the plan size at which the default pool
// drops from 6 workers to 3.
const largePlaylistSegments = 2500

// Progress is a point-in-time snapshot pushed to the progress sink.
// Final marks the guaranteed last snapshot of a run.
type Progress struct {
	DownloadedSegments int
	DownloadedBytes    int64
	SpeedBps           int64
	Final              bool
}

// Job describes one download run over a resolved plan.
type Job struct {
	TaskID string

	// SourceURL is the original manifest URL, re-resolved when segment
	// authorization expires mid-run.
	SourceURL string

	SegmentURLs   []string
	SegmentRanges map[int]string
	Headers       fetch.Headers
}

// Resolver re-resolves the source manifest for auth refresh.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string, hdr fetch.Headers) (*manifest.Plan, error)
}

// Orchestrator runs download jobs. One instance serves all tasks; all
// per-run state lives in the run struct.
type Orchestrator struct {
	Store    segment.Store
	Fetch    fetch.Client
	Resolver Resolver

	// Workers fixes the pool size; zero sizes it from the plan length.
	Workers          int
	SegmentTimeout   time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	ProgressInterval time.Duration

	// OnProgress receives rate-limited snapshots plus one final flush.
	OnProgress func(taskID string, p Progress)

	// OnPlanRefresh is told when a mid-run re-resolution replaced the
	// segment URLs, so the new plan can be persisted.
	OnPlanRefresh func(taskID string, urls []string, ranges map[int]string)

	Log zerolog.Logger
	now func() time.Time
}

func NewOrchestrator(store segment.Store, fc fetch.Client, res Resolver) *Orchestrator {
	return &Orchestrator{
		Store:            store,
		Fetch:            fc,
		Resolver:         res,
		SegmentTimeout:   30 * time.Second,
		MaxAttempts:      5,
		BackoffBase:      500 * time.Millisecond,
		ProgressInterval: 500 * time.Millisecond,
		Log:              log.WithComponent("downloader"),
		now:              time.Now,
	}
}

func (o *Orchestrator) workerCount(planLen int) int {
	if o.Workers > 0 {
		return o.Workers
	}
	if planLen >= largePlaylistSegments {
		return 3
	}
	return 6
}

// Run downloads every segment of the job that the store does not
// already hold. It returns nil when the store holds the full plan,
// ErrPaused when ctx was cancelled, and the first worker error
// otherwise. Stored progress survives any outcome, so a rerun picks up
// where this one stopped.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	total := len(job.SegmentURLs)
	if total == 0 {
		return fmt.Errorf("job %s has an empty plan", job.TaskID)
	}

	present, err := o.Store.Indexes(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("scan stored segments: %w", err)
	}
	presentSet := make(map[int]struct{}, len(present))
	for _, i := range present {
		if i < total {
			presentSet[i] = struct{}{}
		}
	}
	pending := make([]int, 0, total-len(presentSet))
	for i := 0; i < total; i++ {
		if _, ok := presentSet[i]; !ok {
			pending = append(pending, i)
		}
	}

	startBytes, err := o.Store.SumBytes(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("sum stored bytes: %w", err)
	}

	r := &run{
		o:       o,
		job:     job,
		pending: pending,
		tracker: newSpeedTracker(o.now),
		limiter: rate.NewLimiter(rate.Every(o.ProgressInterval), 1),
	}
	r.segs.Store(int64(len(presentSet)))
	r.bytes.Store(startBytes)
	r.referers = refererRotation(job.Headers.Referer, job.SourceURL)
	defer r.flush()

	if len(pending) == 0 {
		o.Log.Info().Str("task_id", job.TaskID).Int("total", total).Msg("all segments already stored")
		return nil
	}

	workers := o.workerCount(total)
	if workers > len(pending) {
		workers = len(pending)
	}
	o.Log.Info().
		Str("task_id", job.TaskID).
		Int("total", total).
		Int("pending", len(pending)).
		Int("workers", workers).
		Msg("download starting")

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error { return r.work(gctx) })
	}
	err = g.Wait()
	if err == nil {
		return nil
	}
	// The owner cancelling the run context means pause, regardless of
	// what shape the abort took inside the workers.
	if ctx.Err() != nil {
		return ErrPaused
	}
	return err
}

// run is the state shared by one Run call's workers.
type run struct {
	o   *Orchestrator
	job Job

	// planMu guards the job's segment slices, which an auth refresh may
	// swap mid-run. gen counts swaps so a worker can tell whether a
	// sibling already refreshed since its failed attempt.
	planMu sync.RWMutex
	gen    int

	pending []int
	cursor  atomic.Int64
	segs    atomic.Int64
	bytes   atomic.Int64

	tracker *speedTracker
	limiter *rate.Limiter

	refreshMu    sync.Mutex
	refreshCount int
	referers     []string
}

func (r *run) work(ctx context.Context) error {
	n := int64(len(r.pending))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		i := r.cursor.Add(1) - 1
		if i >= n {
			return nil
		}
		if err := r.fetchSegment(ctx, r.pending[i]); err != nil {
			return err
		}
	}
}

// fetchSegment downloads one segment, retrying with linear backoff up
// to the attempt cap. An authorization failure triggers at most one
// plan re-resolution for this segment.
func (r *run) fetchSegment(ctx context.Context, idx int) error {
	o := r.o
	refreshed := false

	for attempt := 1; ; attempt++ {
		segURL, segRange, gen := r.segmentAt(idx)

		reqCtx, cancel := context.WithTimeout(ctx, o.SegmentTimeout)
		data, err := o.Fetch.Segment(reqCtx, fetch.Request{
			URL:     segURL,
			Headers: r.job.Headers,
			Range:   segRange,
		})
		cancel()

		if err == nil {
			if err := o.Store.Put(ctx, r.job.TaskID, idx, data); err != nil {
				return fmt.Errorf("store segment %d: %w", idx, err)
			}
			metrics.IncSegmentFetch(true)
			metrics.AddBytesDownloaded(int64(len(data)))
			r.tracker.Add(int64(len(data)))
			r.segs.Add(1)
			r.bytes.Add(int64(len(data)))
			r.maybeFlush()
			return nil
		}

		// A cancelled run is not a failed attempt.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.IncSegmentFetch(false)
		o.Log.Warn().
			Err(err).
			Str("task_id", r.job.TaskID).
			Int("segment", idx).
			Int("attempt", attempt).
			Msg("segment fetch failed")

		if errs.IsAuthExpired(err) && !refreshed {
			refreshed = true
			if r.refreshPlan(ctx, gen) {
				continue
			}
		}

		if attempt >= o.MaxAttempts {
			return errs.Wrap(err, errs.CodeSegmentFetch,
				fmt.Sprintf("segment %d failed after %d attempts", idx, attempt)).WithURL(segURL)
		}

		metrics.IncSegmentRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * o.BackoffBase):
		}
	}
}

func (r *run) segmentAt(idx int) (segURL, segRange string, gen int) {
	r.planMu.RLock()
	defer r.planMu.RUnlock()
	return r.job.SegmentURLs[idx], r.job.SegmentRanges[idx], r.gen
}

// refreshPlan re-resolves the source manifest with the next referer
// candidate and swaps in the fresh segment URLs. It reports whether the
// caller should retry immediately. A plan whose length changed cannot
// be index-mapped onto stored segments and is rejected, as is one that
// came back encrypted.
func (r *run) refreshPlan(ctx context.Context, seenGen int) bool {
	o := r.o
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.planMu.RLock()
	cur := r.gen
	r.planMu.RUnlock()
	if cur != seenGen {
		// A sibling already refreshed; just retry with its plan.
		return true
	}

	hdr := r.job.Headers
	r.refreshCount++
	if len(r.referers) > 0 {
		hdr.Referer = r.referers[r.refreshCount%len(r.referers)]
	}

	plan, err := o.Resolver.Resolve(ctx, r.job.SourceURL, hdr)
	if err != nil {
		metrics.IncManifestRefresh(false)
		o.Log.Warn().Err(err).Str("task_id", r.job.TaskID).Msg("manifest refresh failed")
		return false
	}
	if plan.Encrypted {
		metrics.IncManifestRefresh(false)
		o.Log.Warn().Str("task_id", r.job.TaskID).Msg("refreshed plan declares encryption, keeping old plan")
		return false
	}
	if len(plan.SegmentURLs) != len(r.job.SegmentURLs) {
		metrics.IncManifestRefresh(false)
		o.Log.Warn().
			Str("task_id", r.job.TaskID).
			Int("old", len(r.job.SegmentURLs)).
			Int("new", len(plan.SegmentURLs)).
			Msg("refreshed plan length mismatch, keeping old plan")
		return false
	}

	r.planMu.Lock()
	r.job.SegmentURLs = plan.SegmentURLs
	r.job.SegmentRanges = plan.SegmentRanges
	r.gen++
	r.planMu.Unlock()

	metrics.IncManifestRefresh(true)
	o.Log.Info().Str("task_id", r.job.TaskID).Str("referer", hdr.Referer).Msg("plan refreshed after auth failure")
	if o.OnPlanRefresh != nil {
		o.OnPlanRefresh(r.job.TaskID, plan.SegmentURLs, plan.SegmentRanges)
	}
	return true
}

func (r *run) maybeFlush() {
	if r.o.OnProgress == nil || !r.limiter.Allow() {
		return
	}
	r.o.OnProgress(r.job.TaskID, r.snapshot(false))
}

func (r *run) flush() {
	if r.o.OnProgress == nil {
		return
	}
	r.o.OnProgress(r.job.TaskID, r.snapshot(true))
}

func (r *run) snapshot(final bool) Progress {
	return Progress{
		DownloadedSegments: int(r.segs.Load()),
		DownloadedBytes:    r.bytes.Load(),
		SpeedBps:           r.tracker.BytesPerSec(),
		Final:              final,
	}
}

// refererRotation builds the candidate list tried across successive
// refreshes: the task referer, the source origin, then no referer.
func refererRotation(taskReferer, sourceURL string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if taskReferer != "" {
		add(taskReferer)
	}
	if u, err := url.Parse(sourceURL); err == nil && u.Scheme != "" && u.Host != "" {
		add(u.Scheme + "://" + u.Host + "/")
	}
	add("")
	return out
}
