package resources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// HTTPClient talks to the resource manager's REST API.
type HTTPClient struct {
	base string
	http *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the resource manager at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Get(ctx context.Context, resourceID string) (*Resource, bool, error) {
	return c.find(ctx, "/resource/"+url.PathEscape(resourceID))
}

func (c *HTTPClient) GetByName(ctx context.Context, name string) (*Resource, bool, error) {
	return c.find(ctx, "/resource?name="+url.QueryEscape(name))
}

func (c *HTTPClient) Push(ctx context.Context, containerID string, child *Resource) (*Resource, error) {
	var out Resource
	status, err := c.do(ctx, http.MethodPost, "/resource/"+url.PathEscape(containerID)+"/push", child, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "container %q not found", containerID)
	}
	return &out, nil
}

func (c *HTTPClient) Pop(ctx context.Context, containerID string) (*Resource, error) {
	var out Resource
	status, err := c.do(ctx, http.MethodPost, "/resource/"+url.PathEscape(containerID)+"/pop", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "container %q not found or empty", containerID)
	}
	return &out, nil
}

func (c *HTTPClient) find(ctx context.Context, path string) (*Resource, bool, error) {
	var out Resource
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	return &out, true, nil
}

// do performs the request and decodes a 2xx body into out. A 404 is
// returned as a status, not an error, so callers decide what absence means.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode resource request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeTransport, "build resource request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeTransport, "resource manager %s %s: %v", method, path, err).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, schema.NewErrorf(schema.ErrCodeTransport, "resource manager returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, schema.NewError(schema.ErrCodeTransport, "decode resource response").WithCause(err)
	}
	return resp.StatusCode, nil
}
