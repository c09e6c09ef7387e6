package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// ResultHeader carries the JSON ActionResult when GET /action/{id} answers
// with file content instead of JSON.
const ResultHeader = "X-Action-Result"

const (
	defaultRESTTimeout     = 30 * time.Second
	defaultMaxResponseBody = 64 * 1024 * 1024 // 64MB
)

// RESTOptions configures the REST transport.
type RESTOptions struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxResponseBody int64
	// DataDir receives output files downloaded from nodes, one
	// subdirectory per action id. Defaults to the OS temp dir.
	DataDir string
}

// RESTClient implements Client over the node HTTP contract.
type RESTClient struct {
	base    *url.URL
	http    *http.Client
	maxBody int64
	dataDir string
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a client for the node at nodeURL.
func NewRESTClient(nodeURL string, opts RESTOptions) (*RESTClient, error) {
	u, err := url.Parse(strings.TrimRight(nodeURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse node url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("node url %q must be absolute", nodeURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRESTTimeout
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "workcell")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &RESTClient{base: u, http: hc, maxBody: opts.MaxResponseBody, dataDir: opts.DataDir}, nil
}

// URL returns the node's base URL.
func (c *RESTClient) URL() string { return c.base.String() }

func (c *RESTClient) endpoint(parts ...string) string {
	u := *c.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

// SendAction posts a multipart form: action_name, action_id, JSON args and
// one file part per entry of req.Files, named after the file argument.
func (c *RESTClient) SendAction(ctx context.Context, req *schema.ActionRequest) (*schema.ActionResult, error) {
	if req.ActionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action request has no action_id")
	}
	body, contentType, err := encodeActionForm(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("action"), body)
	if err != nil {
		return nil, transportErr("build request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	var result schema.ActionResult
	if err := c.doJSON(httpReq, &result); err != nil {
		return nil, err
	}
	if result.ActionID == "" {
		result.ActionID = req.ActionID
	}
	return &result, nil
}

func encodeActionForm(req *schema.ActionRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "encode action args").WithCause(err)
	}
	fields := [][2]string{
		{"action_name", req.ActionName},
		{"action_id", req.ActionID},
		{"args", string(argsJSON)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", transportErr("write form field", err)
		}
	}

	for name, path := range req.Files {
		if err := attachFile(w, name, path); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", transportErr("close form", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func attachFile(w *multipart.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeMissingFile, "open file %q for %q", path, name).WithCause(err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(name, filepath.Base(path))
	if err != nil {
		return transportErr("create form file", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return transportErr("copy file "+path, err)
	}
	return nil
}

// GetActionResult fetches GET /action/{id}. A JSON body is the result itself.
// Any other body is file content: the result travels in ResultHeader, a zip
// body holds several files and anything else is a single raw file.
func (c *RESTClient) GetActionResult(ctx context.Context, actionID string) (*schema.ActionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("action", actionID), nil)
	if err != nil {
		return nil, transportErr("build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr("get action result", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not found on node", actionID)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" || mediaType == "" && resp.Header.Get(ResultHeader) == "" {
		var result schema.ActionResult
		if err := c.decode(resp.Body, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}

	var result schema.ActionResult
	if err := json.Unmarshal([]byte(resp.Header.Get(ResultHeader)), &result); err != nil {
		return nil, transportErr("decode "+ResultHeader+" header", err)
	}
	if result.ActionID == "" {
		result.ActionID = actionID
	}

	dest := filepath.Join(c.dataDir, actionID)
	body := newCapReader(resp.Body, c.maxBody, "action result body")
	if mediaType == "application/zip" {
		files, err := ExtractZip(body, dest, result.Files, c.maxBody)
		if err != nil {
			return nil, err
		}
		result.Files = files
		return &result, nil
	}

	label, name := singleFileName(result.Files, resp.Header.Get("Content-Disposition"))
	path, err := WriteFileAtomic(body, dest, name)
	if err != nil {
		return nil, err
	}
	result.Files = map[string]string{label: path}
	return &result, nil
}

// singleFileName picks the output label and on-disk name for a raw file body.
func singleFileName(declared map[string]string, disposition string) (label, name string) {
	label, name = "file", "file"
	for l, p := range declared {
		label, name = l, filepath.Base(p)
		break
	}
	if _, dp, err := mime.ParseMediaType(disposition); err == nil && dp["filename"] != "" {
		name = filepath.Base(dp["filename"])
	}
	return label, name
}

// GetActionHistory returns the node's recorded results.
func (c *RESTClient) GetActionHistory(ctx context.Context, actionID string) (map[string][]*schema.ActionResult, error) {
	endpoint := c.endpoint("action")
	if actionID != "" {
		endpoint += "?action_id=" + url.QueryEscape(actionID)
	}
	var history map[string][]*schema.ActionResult
	if err := c.get(ctx, endpoint, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *RESTClient) GetStatus(ctx context.Context) (*schema.NodeStatus, error) {
	var status schema.NodeStatus
	if err := c.get(ctx, c.endpoint("status"), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *RESTClient) GetState(ctx context.Context) (map[string]any, error) {
	var state map[string]any
	if err := c.get(ctx, c.endpoint("state"), &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *RESTClient) GetInfo(ctx context.Context) (*schema.NodeInfo, error) {
	var info schema.NodeInfo
	if err := c.get(ctx, c.endpoint("info"), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *RESTClient) SetConfig(ctx context.Context, config map[string]any) (*schema.SetConfigResponse, error) {
	var resp schema.SetConfigResponse
	if err := c.postJSON(ctx, c.endpoint("config"), config, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) SendAdminCommand(ctx context.Context, cmd schema.AdminCommand) (*schema.AdminCommandResponse, error) {
	if !cmd.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown admin command %q", cmd)
	}
	var resp schema.AdminCommandResponse
	if err := c.postJSON(ctx, c.endpoint("admin", string(cmd)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) GetResources(ctx context.Context) (map[string]any, error) {
	var resources map[string]any
	if err := c.get(ctx, c.endpoint("resources"), &resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (c *RESTClient) GetLog(ctx context.Context) ([]map[string]any, error) {
	var entries []map[string]any
	if err := c.get(ctx, c.endpoint("log"), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- plumbing ---

func (c *RESTClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return transportErr("build request", err)
	}
	return c.doJSON(req, out)
}

func (c *RESTClient) postJSON(ctx context.Context, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "encode request body").WithCause(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return transportErr("build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

func (c *RESTClient) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s: not found", req.Method, req.URL.Path)
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return c.decode(resp.Body, out)
}

func (c *RESTClient) decode(r io.Reader, out any) error {
	if err := json.NewDecoder(newCapReader(r, c.maxBody, "response body")).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return transportErr("decode response", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return schema.NewErrorf(schema.ErrCodeTransport, "node returned %d: %s",
		resp.StatusCode, strings.TrimSpace(string(snippet))).
		WithDetails(map[string]any{"status_code": resp.StatusCode})
}

func transportErr(op string, err error) *schema.WorkcellError {
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: %v", op, err).WithCause(err)
}
