// Package transcode drives jobs on the external transcode service
// over its JSON-RPC 2.0 endpoint.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hlsgrab/internal/errs"
)

// Status is the job state reported by the transcode service.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the service will not advance the job further.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Job is the service's view of one transcode job.
type Job struct {
	ID              string  `json:"id"`
	Status          Status  `json:"status"`
	Progress        float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	DownloadURL     string  `json:"downloadUrl"`
	Error           string  `json:"error"`
}

// Client starts and tracks jobs on the external transcode service.
type Client interface {
	Start(ctx context.Context, sourceURL, title, fileName string) (*Job, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Poll(ctx context.Context, id string) (*Job, error)
}

// RPCClient talks JSON-RPC 2.0 to the transcode service. A non-empty
// secret is sent as the first parameter in "token:<secret>" form.
type RPCClient struct {
	URL    string
	Secret string
	HTTP   *http.Client
}

func NewRPCClient(url, secret string) *RPCClient {
	return &RPCClient{
		URL:    url,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call performs one round trip and returns the raw result payload.
func (c *RPCClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	finalParams := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      "hlsgrab",
		Params:  finalParams,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.FromHTTPStatus(resp.StatusCode, c.URL)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		if looksLikeMissingJob(rpcResp.Error.Message) {
			return nil, errs.Wrap(rpcResp.Error, errs.CodeExternalJobMissing, "transcode job not found")
		}
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func looksLikeMissingJob(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") ||
		strings.Contains(m, "no such job") ||
		strings.Contains(m, "unknown job")
}

func (c *RPCClient) Start(ctx context.Context, sourceURL, title, fileName string) (*Job, error) {
	res, err := c.Call(ctx, "job.start", sourceURL, map[string]any{
		"title":    title,
		"fileName": fileName,
	})
	if err != nil {
		return nil, err
	}
	return decodeJob(res)
}

func (c *RPCClient) Pause(ctx context.Context, id string) error {
	_, err := c.Call(ctx, "job.pause", id)
	return err
}

func (c *RPCClient) Resume(ctx context.Context, id string) error {
	_, err := c.Call(ctx, "job.resume", id)
	return err
}

func (c *RPCClient) Remove(ctx context.Context, id string) error {
	_, err := c.Call(ctx, "job.remove", id)
	return err
}

func (c *RPCClient) Poll(ctx context.Context, id string) (*Job, error) {
	res, err := c.Call(ctx, "job.status", id)
	if err != nil {
		return nil, err
	}
	return decodeJob(res)
}

// decodeJob validates a job payload at the trust boundary: an unknown
// status reads as queued, progress is clamped to [0, 100], and a null
// result means the service no longer knows the job.
func decodeJob(raw json.RawMessage) (*Job, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errs.New(errs.CodeExternalJobMissing, "transcode service returned no job")
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	switch job.Status {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusError:
	default:
		job.Status = StatusQueued
	}
	if job.Progress < 0 {
		job.Progress = 0
	}
	if job.Progress > 100 {
		job.Progress = 100
	}
	return &job, nil
}
