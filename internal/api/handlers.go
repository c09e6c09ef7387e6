package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getWorkcell(c echo.Context) error {
	wc, err := s.manager.Workcell(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wc)
}

// startRequestBody is the JSON form of POST /start_workflow.
type startRequestBody struct {
	Workflow     json.RawMessage `json:"workflow"`
	ExperimentID string          `json:"experiment_id"`
	Parameters   map[string]any  `json:"parameters"`
	ValidateOnly bool            `json:"validate_only"`
}

// startWorkflow accepts a multipart form (workflow, experiment_id,
// parameters, validate_only, plus one part per input file) or the same
// fields as a JSON body without files.
func (s *Server) startWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		req      workcell.StartRequest
		uploaded string
		err      error
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		req, err = decodeStartJSON(c.Request().Body)
	} else {
		req, uploaded, err = s.decodeStartForm(c)
	}
	if err != nil {
		return err
	}

	wf, _, err := s.manager.StartWorkflow(ctx, req)
	if err != nil || req.ValidateOnly {
		if uploaded != "" {
			_ = os.RemoveAll(uploaded)
		}
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func decodeStartJSON(r io.Reader) (workcell.StartRequest, error) {
	var body startRequestBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return workcell.StartRequest{}, schema.NewError(schema.ErrCodeValidation, "decode request body").WithCause(err)
	}
	if len(body.Workflow) == 0 {
		return workcell.StartRequest{}, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	def, err := workcell.ParseWorkflow(body.Workflow)
	if err != nil {
		return workcell.StartRequest{}, err
	}
	return workcell.StartRequest{
		Definition:   def,
		ExperimentID: body.ExperimentID,
		Parameters:   body.Parameters,
		ValidateOnly: body.ValidateOnly,
	}, nil
}

func (s *Server) decodeStartForm(c echo.Context) (workcell.StartRequest, string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return workcell.StartRequest{}, "", schema.NewError(schema.ErrCodeValidation, "start_workflow expects a multipart form or JSON body").WithCause(err)
	}

	raw, err := formBytes(form, "workflow")
	if err != nil {
		return workcell.StartRequest{}, "", err
	}
	def, err := workcell.ParseWorkflow(raw)
	if err != nil {
		return workcell.StartRequest{}, "", err
	}

	req := workcell.StartRequest{Definition: def, ExperimentID: formValue(form, "experiment_id")}
	if p := formValue(form, "parameters"); p != "" {
		if err := json.Unmarshal([]byte(p), &req.Parameters); err != nil {
			return workcell.StartRequest{}, "", schema.NewError(schema.ErrCodeValidation, "parameters must be a JSON object").WithCause(err)
		}
	}
	if v := formValue(form, "validate_only"); v != "" {
		if req.ValidateOnly, err = strconv.ParseBool(v); err != nil {
			return workcell.StartRequest{}, "", schema.NewErrorf(schema.ErrCodeValidation, "validate_only %q is not a boolean", v)
		}
	}

	dir := filepath.Join(s.uploadDir, uuid.NewString())
	for name, headers := range form.File {
		if name == "workflow" || len(headers) == 0 {
			continue
		}
		path, err := saveUpload(headers[0], dir, name)
		if err != nil {
			_ = os.RemoveAll(dir)
			return workcell.StartRequest{}, "", err
		}
		if req.Files == nil {
			req.Files = make(map[string]string)
		}
		req.Files[name] = path
	}
	if req.Files == nil {
		dir = ""
	}
	return req, dir, nil
}

// formBytes reads a field that may arrive as a value or as a file part.
func formBytes(form *multipart.Form, name string) ([]byte, error) {
	if v := formValue(form, name); v != "" {
		return []byte(v), nil
	}
	if headers := form.File[name]; len(headers) > 0 {
		f, err := headers[0].Open()
		if err != nil {
			return nil, fmt.Errorf("open %s part: %w", name, err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s is required", name)
}

func formValue(form *multipart.Form, name string) string {
	if vs := form.Value[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// saveUpload stores one file part under dir/<field>/ so parts that share a
// client file name never overwrite each other.
func saveUpload(h *multipart.FileHeader, dir, field string) (path string, err error) {
	sub := url.PathEscape(field)
	if sub == "." || sub == ".." {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid file field name %q", field)
	}
	dir = filepath.Join(dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	src, err := h.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", h.Filename, err)
	}
	defer src.Close()

	name := filepath.Base(filepath.Clean("/" + filepath.FromSlash(h.Filename)))
	if name == "." || name == string(filepath.Separator) {
		name = sub
	}
	path = filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			path, err = "", fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// listWorkflows returns run id -> workflow. With archived=true it reads
// the archive, narrowed by status, experiment_id and limit.
func (s *Server) listWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		wfs []*schema.Workflow
		err error
	)
	if archived, _ := strconv.ParseBool(c.QueryParam("archived")); archived {
		filter := store.ArchiveFilter{
			Status:       schema.WorkflowStatus(c.QueryParam("status")),
			ExperimentID: c.QueryParam("experiment_id"),
		}
		if l := c.QueryParam("limit"); l != "" {
			if filter.Limit, err = strconv.Atoi(l); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "limit %q is not an integer", l)
			}
		}
		wfs, err = s.manager.ListArchivedWorkflows(ctx, filter)
	} else {
		wfs, err = s.manager.ListWorkflows(ctx)
	}
	if err != nil {
		return err
	}

	out := make(map[string]*schema.Workflow, len(wfs))
	for _, wf := range wfs {
		out[wf.WorkflowID] = wf
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.manager.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) cancelWorkflow(c echo.Context) error {
	wf, err := s.manager.CancelWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) pauseWorkflow(c echo.Context) error {
	wf, err := s.manager.PauseWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) resumeWorkflow(c echo.Context) error {
	wf, err := s.manager.ResumeWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) resubmitWorkflow(c echo.Context) error {
	wf, err := s.manager.ResubmitWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) clearWorkflows(c echo.Context) error {
	n, err := s.manager.ClearWorkflows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) workflowEvents(c echo.Context) error {
	var since int64
	if v := c.QueryParam("since"); v != "" {
		var err error
		if since, err = strconv.ParseInt(v, 10, 64); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "since %q is not an integer", v)
		}
	}
	events, err := s.manager.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*store.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) workflowHistory(c echo.Context) error {
	history, err := s.manager.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if history == nil {
		history = []*store.StepHistory{}
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) listNodes(c echo.Context) error {
	nodes, err := s.manager.Nodes(c.Request().Context())
	if err != nil {
		return err
	}
	out := make(map[string]*schema.Node, len(nodes))
	for _, n := range nodes {
		out[n.NodeName] = n
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getNode(c echo.Context) error {
	node, err := s.manager.Node(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

type addNodeBody struct {
	NodeName string `json:"node_name"`
	NodeURL  string `json:"node_url"`
}

func (s *Server) addNode(c echo.Context) error {
	var body addNodeBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	node, err := s.manager.AddNode(c.Request().Context(), body.NodeName, body.NodeURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, node)
}

func (s *Server) adminCommand(c echo.Context) error {
	out, err := s.manager.SendAdminCommand(c.Request().Context(), schema.AdminCommand(c.Param("command")), c.Param("node"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// streamEvents relays hub events as server-sent events until the client
// goes away. Filters: workflow_id, node and a comma-separated types list.
func (s *Server) streamEvents(c echo.Context) error {
	if s.hub == nil {
		return schema.NewError(schema.ErrCodeNotFound, "event streaming is not enabled")
	}
	ctx := c.Request().Context()
	filter := streaming.EventFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Node:       c.QueryParam("node"),
	}
	if t := c.QueryParam("types"); t != "" {
		filter.EventTypes = strings.Split(t, ",")
	}
	events, unsubscribe, err := s.hub.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
