package transcode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/errs"
)

type rpcCall struct {
	Method string
	Params []any
}

// newRPCServer stands in for the transcode service. The handler maps a
// method to its result payload or RPC error.
func newRPCServer(t *testing.T, handler func(method string, params []any) (any, *rpcError)) (*httptest.Server, func() []rpcCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []rpcCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2.0", req.JSONRPC)

		mu.Lock()
		calls = append(calls, rpcCall{Method: req.Method, Params: req.Params})
		mu.Unlock()

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	recorded := func() []rpcCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]rpcCall(nil), calls...)
	}
	return srv, recorded
}

func TestCallSendsSecretToken(t *testing.T) {
	srv, recorded := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		return "ok", nil
	})

	c := NewRPCClient(srv.URL, "s3cret")
	_, err := c.Call(context.Background(), "job.pause", "j1")
	require.NoError(t, err)

	calls := recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "job.pause", calls[0].Method)
	require.Len(t, calls[0].Params, 2)
	assert.Equal(t, "token:s3cret", calls[0].Params[0])
	assert.Equal(t, "j1", calls[0].Params[1])
}

func TestCallOmitsTokenWithoutSecret(t *testing.T) {
	srv, recorded := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		return "ok", nil
	})

	c := NewRPCClient(srv.URL, "")
	_, err := c.Call(context.Background(), "job.pause", "j1")
	require.NoError(t, err)

	calls := recorded()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Params, 1)
	assert.Equal(t, "j1", calls[0].Params[0])
}

func TestStartDecodesJob(t *testing.T) {
	srv, recorded := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		require.Equal(t, "job.start", method)
		return map[string]any{
			"id":       "job-42",
			"status":   "running",
			"progress": 12.5,
		}, nil
	})

	c := NewRPCClient(srv.URL, "s3cret")
	job, err := c.Start(context.Background(), "https://site.example/video", "My Video", "my-video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "job-42", job.ID)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 12.5, job.Progress)

	calls := recorded()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Params, 3)
	assert.Equal(t, "https://site.example/video", calls[0].Params[1])
	opts, ok := calls[0].Params[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "My Video", opts["title"])
	assert.Equal(t, "my-video.mp4", opts["fileName"])
}

func TestPollSanitizesPayload(t *testing.T) {
	cases := []struct {
		name         string
		payload      map[string]any
		wantStatus   Status
		wantProgress float64
	}{
		{
			name:         "unknown status reads as queued",
			payload:      map[string]any{"id": "j", "status": "exploded", "progress": 50},
			wantStatus:   StatusQueued,
			wantProgress: 50,
		},
		{
			name:         "progress clamped high",
			payload:      map[string]any{"id": "j", "status": "running", "progress": 250},
			wantStatus:   StatusRunning,
			wantProgress: 100,
		},
		{
			name:         "progress clamped low",
			payload:      map[string]any{"id": "j", "status": "running", "progress": -3},
			wantStatus:   StatusRunning,
			wantProgress: 0,
		},
		{
			name:         "missing fields zeroed",
			payload:      map[string]any{"id": "j"},
			wantStatus:   StatusQueued,
			wantProgress: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
				return tc.payload, nil
			})
			c := NewRPCClient(srv.URL, "")
			job, err := c.Poll(context.Background(), "j")
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, job.Status)
			assert.Equal(t, tc.wantProgress, job.Progress)
		})
	}
}

func TestPollMissingJob(t *testing.T) {
	srv, _ := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		return nil, &rpcError{Code: 1, Message: "job not found: gone"}
	})
	c := NewRPCClient(srv.URL, "")
	_, err := c.Poll(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeExternalJobMissing))
}

func TestPollNullResult(t *testing.T) {
	srv, _ := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		return nil, nil
	})
	c := NewRPCClient(srv.URL, "")
	_, err := c.Poll(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeExternalJobMissing))
}

func TestLifecycleMethods(t *testing.T) {
	srv, recorded := newRPCServer(t, func(method string, params []any) (any, *rpcError) {
		return "ok", nil
	})
	c := NewRPCClient(srv.URL, "")
	ctx := context.Background()

	require.NoError(t, c.Pause(ctx, "j1"))
	require.NoError(t, c.Resume(ctx, "j1"))
	require.NoError(t, c.Remove(ctx, "j1"))

	calls := recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "job.pause", calls[0].Method)
	assert.Equal(t, "job.resume", calls[1].Method)
	assert.Equal(t, "job.remove", calls[2].Method)
}

func TestCallUpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewRPCClient(srv.URL, "")
	_, err := c.Call(context.Background(), "job.status", "j1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeUpstream))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPaused.Terminal())
}
