// Package fetch performs upstream HTTP requests with the request
// headers media origins expect to see.
package fetch

import (
	"context"
	"io"
	"net/http"

	"hlsgrab/internal/errs"
)

// Headers are the per-task header overrides forwarded upstream.
type Headers struct {
	Referer   string
	Origin    string
	UserAgent string
}

// Request describes a single upstream fetch.
type Request struct {
	URL     string
	Headers Headers
	Range   string // optional Range header value, e.g. "bytes=0-1023"
}

// Client fetches playlists and media segments from origin servers.
// Playlist fetches report the final URL after redirects so relative
// references can be resolved against it.
type Client interface {
	Manifest(ctx context.Context, req Request) (body []byte, finalURL string, err error)
	Segment(ctx context.Context, req Request) ([]byte, error)
}

// HTTPClient is the real upstream client. Deadlines come from the
// request context, so the embedded http.Client carries no timeout.
type HTTPClient struct {
	hc    *http.Client
	ua    string
	extra map[string]string
}

// NewHTTPClient builds a client with a default User-Agent and extra
// headers applied to every request.
func NewHTTPClient(userAgent string, extra map[string]string) *HTTPClient {
	return &HTTPClient{
		hc:    &http.Client{},
		ua:    userAgent,
		extra: extra,
	}
}

func (c *HTTPClient) do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.extra {
		httpReq.Header.Set(k, v)
	}
	ua := req.Headers.UserAgent
	if ua == "" {
		ua = c.ua
	}
	if ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if req.Headers.Referer != "" {
		httpReq.Header.Set("Referer", req.Headers.Referer)
	}
	if req.Headers.Origin != "" {
		httpReq.Header.Set("Origin", req.Headers.Origin)
	}
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	// 206 is expected for ranged segment fetches.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, errs.FromHTTPStatus(resp.StatusCode, req.URL)
	}
	return resp, nil
}

// Manifest fetches a playlist body and the final post-redirect URL.
func (c *HTTPClient) Manifest(ctx context.Context, req Request) ([]byte, string, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Request.URL.String(), nil
}

// Segment fetches a binary media segment.
func (c *HTTPClient) Segment(ctx context.Context, req Request) ([]byte, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
