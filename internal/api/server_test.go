package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/database"
	"hlsgrab/internal/downloader"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/segment"
	"hlsgrab/internal/task"
	"hlsgrab/internal/transcode"
)

const (
	waitTimeout = 5 * time.Second
	pollTick    = 10 * time.Millisecond
)

type testServer struct {
	h   http.Handler
	out string
}

func newTestServer(t *testing.T, jobs transcode.Client) *testServer {
	t.Helper()

	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := task.NewRepository(db)
	require.NoError(t, err)

	store := segment.NewMemoryStore()
	fc := fetch.NewHTTPClient("test-agent", nil)
	res := manifest.NewResolver(fc, 4)

	orch := downloader.NewOrchestrator(store, fc, res)
	orch.BackoffBase = time.Millisecond
	orch.ProgressInterval = time.Millisecond
	orch.SegmentTimeout = 2 * time.Second

	out := t.TempDir()
	mgr := task.NewManager(task.ManagerDeps{
		Repo:      repo,
		Store:     store,
		Resolver:  res,
		Orch:      orch,
		Merger:    downloader.NewMerger(store, out),
		Jobs:      jobs,
		OutputDir: out,
		PollEvery: 10 * time.Millisecond,
	})
	t.Cleanup(mgr.Close)

	return &testServer{h: NewServer(":0", mgr).http.Handler, out: out}
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T, body string) task.Task {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/tasks", strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, "create failed: %s", rec.Body.String())
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created
}

func (ts *testServer) waitStatus(t *testing.T, id string, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+id, nil)
		rec := httptest.NewRecorder()
		ts.h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var cur task.Task
		if err := json.Unmarshal(rec.Body.Bytes(), &cur); err != nil {
			return false
		}
		got = cur
		return cur.Status == want
	}, waitTimeout, pollTick, "task %s never reached %s", id, want)
	return got
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

// newMediaServer serves a VOD playlist plus its segments. When gate is
// non-nil, segment responses block until gate flips true or the request
// context ends.
func newMediaServer(t *testing.T, segments int, gate *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			var b strings.Builder
			b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")
			for i := 0; i < segments; i++ {
				fmt.Fprintf(&b, "#EXTINF:4.0,\nseg_%05d.ts\n", i)
			}
			b.WriteString("#EXT-X-ENDLIST\n")
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			io.WriteString(w, b.String())
			return
		}
		if gate != nil && !gate.Load() {
			<-r.Context().Done()
			return
		}
		fmt.Fprintf(w, "payload-%s|", path.Base(r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hlsgrab_segment_retry_total")
}

func TestTaskRoundTrip(t *testing.T) {
	media := newMediaServer(t, 4, nil)
	ts := newTestServer(t, nil)

	created := ts.create(t, fmt.Sprintf(`{"url": %q, "title": "Episode One"}`, media.URL+"/v.m3u8"))
	assert.Equal(t, task.ChannelDirect, created.Channel)

	done := ts.waitStatus(t, created.ID, task.StatusCompleted)
	assert.Equal(t, 4, done.DownloadedSegments)
	assert.Equal(t, "Episode One.ts", done.FileName)

	rec := ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="Episode One.ts"`)

	var want strings.Builder
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&want, "payload-seg_%05d.ts|", i)
	}
	assert.Equal(t, want.String(), rec.Body.String())
}

func TestCreateRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/tasks", strings.NewReader("{not json"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid json body", errorBody(t, rec))
}

func TestCreateRejectsBadURL(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/tasks", strings.NewReader(`{"url": "ftp://host/v.m3u8"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorBody(t, rec), "http or https")
}

func TestUnknownTask(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, tc := range []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/tasks/ghost"},
		{http.MethodDelete, "/api/tasks/ghost"},
		{http.MethodPost, "/api/tasks/ghost/pause"},
		{http.MethodPost, "/api/tasks/ghost/resume"},
		{http.MethodPost, "/api/tasks/ghost/retry"},
		{http.MethodGet, "/api/tasks/ghost/artifact"},
	} {
		rec := ts.do(t, tc.method, tc.target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.target)
		assert.Equal(t, "task not found", errorBody(t, rec), "%s %s", tc.method, tc.target)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	var allow atomic.Bool
	media := newMediaServer(t, 1, &allow)
	ts := newTestServer(t, nil)

	created := ts.create(t, fmt.Sprintf(`{"url": %q}`, media.URL+"/clip.bin"))
	ts.waitStatus(t, created.ID, task.StatusDownloading)

	rec := ts.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.Equal(t, task.StatusPaused, paused.Status)

	allow.Store(true)
	rec = ts.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ts.waitStatus(t, created.ID, task.StatusCompleted)

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/artifact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "payload-clip.bin|", rec.Body.String())
}

func TestLifecycleConflicts(t *testing.T) {
	media := newMediaServer(t, 1, nil)
	ts := newTestServer(t, nil)

	created := ts.create(t, fmt.Sprintf(`{"url": %q}`, media.URL+"/clip.bin"))
	ts.waitStatus(t, created.ID, task.StatusCompleted)

	for _, op := range []string{"pause", "resume", "retry"} {
		rec := ts.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/"+op, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, op)
	}
}

func TestArtifactNotReady(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	ts := newTestServer(t, nil)

	created := ts.create(t, fmt.Sprintf(`{"url": %q}`, broken.URL+"/v.m3u8"))
	ts.waitStatus(t, created.ID, task.StatusError)

	rec := ts.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/artifact", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, errorBody(t, rec), "artifact not ready")
}

func TestRemoveTask(t *testing.T) {
	media := newMediaServer(t, 2, nil)
	ts := newTestServer(t, nil)

	created := ts.create(t, fmt.Sprintf(`{"url": %q, "title": "gone"}`, media.URL+"/v.m3u8"))
	ts.waitStatus(t, created.ID, task.StatusCompleted)

	rec := ts.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// stubJobs is a transcode client whose every call reports the same job.
type stubJobs struct {
	job transcode.Job
}

func (s *stubJobs) Start(context.Context, string, string, string) (*transcode.Job, error) {
	j := s.job
	return &j, nil
}

func (s *stubJobs) Pause(context.Context, string) error  { return nil }
func (s *stubJobs) Resume(context.Context, string) error { return nil }
func (s *stubJobs) Remove(context.Context, string) error { return nil }

func (s *stubJobs) Poll(context.Context, string) (*transcode.Job, error) {
	j := s.job
	return &j, nil
}

func TestArtifactExternalRedirect(t *testing.T) {
	jobs := &stubJobs{job: transcode.Job{
		ID:          "ext-1",
		Status:      transcode.StatusCompleted,
		Progress:    100,
		DownloadURL: "https://files.example/out.mp4",
	}}
	ts := newTestServer(t, jobs)

	created := ts.create(t, `{"url": "https://vod.example/stream.m3u8", "channel": "external-transcode"}`)
	ts.waitStatus(t, created.ID, task.StatusCompleted)

	rec := ts.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/artifact", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://files.example/out.mp4", rec.Header().Get("Location"))
}

func TestArtifactExternalWithoutURL(t *testing.T) {
	jobs := &stubJobs{job: transcode.Job{
		ID:       "ext-1",
		Status:   transcode.StatusCompleted,
		Progress: 100,
	}}
	ts := newTestServer(t, jobs)

	created := ts.create(t, `{"url": "https://vod.example/stream.m3u8", "channel": "external-transcode"}`)
	ts.waitStatus(t, created.ID, task.StatusCompleted)

	rec := ts.do(t, http.MethodGet, "/api/tasks/"+created.ID+"/artifact", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, errorBody(t, rec), "no download url")
}
