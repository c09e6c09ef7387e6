package nodesim

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/pkg/schema"
)

func defaultDataRoot() string {
	return filepath.Join(os.TempDir(), "workcell-simnode")
}

// handleSendAction accepts the multipart action form. A repeated action id
// returns the existing result without running the action again.
func (n *Node) handleSendAction(c echo.Context) error {
	id := c.FormValue("action_id")
	name := c.FormValue("action_name")
	if id == "" || name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action_id and action_name are required")
	}
	args := map[string]any{}
	if raw := c.FormValue("args"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "args must be a JSON object: "+err.Error())
		}
	}

	n.mu.Lock()
	if rec, ok := n.actions[id]; ok {
		res := copyResult(rec.result)
		n.mu.Unlock()
		return c.JSON(http.StatusOK, res)
	}
	fn, known := n.handlers[name]
	status := n.statusLocked()
	n.mu.Unlock()

	if !known {
		return c.JSON(http.StatusOK, n.reject(id, name, fmt.Sprintf("action %q not found on node %s", name, n.cfg.Name)))
	}
	if ready, reason := status.IsReady(); !ready {
		return c.JSON(http.StatusOK, n.reject(id, name, reason))
	}

	files, err := n.saveUploads(c, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ctx, cancel := context.WithCancel(n.runCtx)
	rec := &actionRecord{
		name:   name,
		result: &schema.ActionResult{ActionID: id, Status: schema.ActionStatusRunning},
		cancel: cancel,
	}
	n.mu.Lock()
	n.actions[id] = rec
	n.appendLog("action_started", map[string]any{"action_id": id, "action_name": name})
	res := copyResult(rec.result)
	n.mu.Unlock()

	req := &Request{
		ActionID:  id,
		Args:      args,
		Files:     files,
		OutputDir: filepath.Join(n.cfg.DataDir, id, "outputs"),
	}
	n.wg.Add(1)
	go n.run(ctx, rec, fn, req)
	return c.JSON(http.StatusOK, res)
}

// reject records a failed result for an action the node cannot run.
func (n *Node) reject(id, name, reason string) *schema.ActionResult {
	res := schema.FailedResult(id, "NodeNotReady", reason)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions[id] = &actionRecord{name: name, result: res, cancel: func() {}}
	n.appendLog("action_rejected", map[string]any{"action_id": id, "action_name": name, "reason": reason})
	return copyResult(res)
}

func (n *Node) run(ctx context.Context, rec *actionRecord, fn ActionFunc, req *Request) {
	defer n.wg.Done()
	defer rec.cancel()

	var result *schema.ActionResult
	if err := sleep(ctx, n.cfg.Delay); err != nil {
		result = cancelled(req.ActionID)
	} else if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		result = schema.FailedResult(req.ActionID, "ActionError", err.Error())
	} else {
		ret, err := fn(ctx, req)
		switch {
		case ctx.Err() != nil:
			result = cancelled(req.ActionID)
		case err != nil:
			result = schema.FailedResult(req.ActionID, "ActionError", err.Error())
		default:
			result = ret.ToResult(req.ActionID)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	rec.result = result
	n.status.CompletedActions = append(n.status.CompletedActions, req.ActionID)
	n.appendLog("action_finished", map[string]any{"action_id": req.ActionID, "status": string(result.Status)})
	n.logger.Debug("action finished", "action_id", req.ActionID, "action", rec.name, "status", result.Status)
}

func cancelled(id string) *schema.ActionResult {
	res := schema.FailedResult(id, "Cancelled", "action cancelled")
	res.Status = schema.ActionStatusCancelled
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (n *Node) saveUploads(c echo.Context, id string) (map[string]string, error) {
	form, err := c.MultipartForm()
	if err != nil || form == nil || len(form.File) == 0 {
		return nil, nil
	}
	dir := filepath.Join(n.cfg.DataDir, id, "inputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}
	files := make(map[string]string, len(form.File))
	for name, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		path := filepath.Join(dir, filepath.Base(headers[0].Filename))
		if err := saveUpload(headers[0], path); err != nil {
			return nil, err
		}
		files[name] = path
	}
	return files, nil
}

func saveUpload(h *multipart.FileHeader, path string) error {
	src, err := h.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", h.Filename, err)
	}
	defer src.Close()
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// handleGetAction answers with JSON, or with the output files when a
// succeeded action produced some. One file is sent raw, several as a zip.
func (n *Node) handleGetAction(c echo.Context) error {
	id := c.Param("id")
	n.mu.Lock()
	rec, ok := n.actions[id]
	var res *schema.ActionResult
	if ok {
		res = copyResult(rec.result)
	}
	n.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("action %q not found", id))
	}
	if res.Status != schema.ActionStatusSucceeded || len(res.Files) == 0 {
		return c.JSON(http.StatusOK, res)
	}

	header, err := json.Marshal(res)
	if err != nil {
		return err
	}
	c.Response().Header().Set(nodeclient.ResultHeader, string(header))

	if len(res.Files) == 1 {
		for _, path := range res.Files {
			f, err := os.Open(path)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			defer f.Close()
			c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
			return c.Stream(http.StatusOK, echo.MIMEOctetStream, f)
		}
	}

	body, err := zipFiles(res.Files)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, "application/zip", body)
}

func zipFiles(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, path := range files {
		w, err := zw.Create(filepath.Base(path))
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) handleActionHistory(c echo.Context) error {
	filter := c.QueryParam("action_id")
	n.mu.Lock()
	defer n.mu.Unlock()
	history := make(map[string][]*schema.ActionResult)
	for id, rec := range n.actions {
		if filter != "" && id != filter {
			continue
		}
		history[id] = []*schema.ActionResult{copyResult(rec.result)}
	}
	return c.JSON(http.StatusOK, history)
}

func (n *Node) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, n.Status())
}

func (n *Node) handleState(c echo.Context) error {
	n.mu.Lock()
	state := maps.Clone(n.state)
	n.mu.Unlock()
	return c.JSON(http.StatusOK, state)
}

func (n *Node) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, n.info())
}

func (n *Node) handleSetConfig(c echo.Context) error {
	var update map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&update); err != nil {
		return c.JSON(http.StatusBadRequest, &schema.SetConfigResponse{
			Errors: []schema.ActionError{{Message: "config must be a JSON object: " + err.Error(), ErrorType: "ConfigError", Timestamp: time.Now().UTC()}},
		})
	}
	n.mu.Lock()
	maps.Copy(n.config, update)
	n.appendLog("config_updated", map[string]any{"keys": len(update)})
	n.mu.Unlock()
	return c.JSON(http.StatusOK, &schema.SetConfigResponse{Success: true})
}

func (n *Node) handleAdmin(c echo.Context) error {
	cmd := schema.AdminCommand(c.Param("command"))
	if !cmd.IsValid() {
		return c.JSON(http.StatusBadRequest, &schema.AdminCommandResponse{
			Errors: []schema.ActionError{{Message: fmt.Sprintf("unknown admin command %q", cmd), ErrorType: "AdminCommandError", Timestamp: time.Now().UTC()}},
		})
	}

	n.mu.Lock()
	switch cmd {
	case schema.AdminLock:
		n.status.Locked = true
	case schema.AdminUnlock:
		n.status.Locked = false
	case schema.AdminPause:
		n.status.Paused = true
	case schema.AdminResume:
		n.status.Paused = false
	case schema.AdminReset:
		n.status = schema.NodeStatus{CompletedActions: n.status.CompletedActions}
	case schema.AdminCancel:
		n.cancelRunningLocked()
	case schema.AdminSafetyStop, schema.AdminShutdown:
		n.status.Stopped = true
		n.cancelRunningLocked()
	}
	n.appendLog("admin", map[string]any{"command": string(cmd)})
	n.mu.Unlock()
	n.logger.Info("admin command", "command", cmd)

	if cmd == schema.AdminShutdown && n.onShutdown != nil {
		go n.onShutdown()
	}
	return c.JSON(http.StatusOK, &schema.AdminCommandResponse{Success: true})
}

func (n *Node) cancelRunningLocked() {
	for _, rec := range n.actions {
		if rec.result.Status == schema.ActionStatusRunning {
			rec.cancel()
		}
	}
}

func (n *Node) handleResources(c echo.Context) error {
	n.mu.Lock()
	resources := maps.Clone(n.resources)
	n.mu.Unlock()
	return c.JSON(http.StatusOK, resources)
}

func (n *Node) handleLog(c echo.Context) error {
	n.mu.Lock()
	entries := make([]map[string]any, len(n.log))
	copy(entries, n.log)
	n.mu.Unlock()
	return c.JSON(http.StatusOK, entries)
}

func copyResult(r *schema.ActionResult) *schema.ActionResult {
	out := *r
	out.Data = maps.Clone(r.Data)
	out.Files = maps.Clone(r.Files)
	out.Errors = append([]schema.ActionError(nil), r.Errors...)
	return &out
}
