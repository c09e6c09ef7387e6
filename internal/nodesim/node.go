// Package nodesim is a simulated device node speaking the node HTTP
// contract. It backs the simnode command and the integration tests.
package nodesim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/workcell/pkg/schema"
)

// Request is what an action implementation receives.
type Request struct {
	ActionID string
	Args     map[string]any
	// Files maps a file argument to where the upload was saved.
	Files map[string]string
	// OutputDir is a per-action directory for files the action produces.
	OutputDir string
}

// ActionFunc implements one action. A returned error fails the action.
type ActionFunc func(ctx context.Context, req *Request) (schema.ActionReturn, error)

// Config configures a simulated node.
type Config struct {
	Name        string
	Description string
	ModuleName  string
	// Delay is added before every action runs.
	Delay time.Duration
	// DataDir holds uploaded inputs and produced outputs. Defaults to a
	// directory under the OS temp dir.
	DataDir string
	// RequiredConfig keys keep the node waiting until POST /config sets them.
	RequiredConfig []string
	Logger         *slog.Logger
}

type actionRecord struct {
	name   string
	result *schema.ActionResult
	cancel context.CancelFunc
}

// Node is one simulated node.
type Node struct {
	cfg      Config
	logger   *slog.Logger
	handlers map[string]ActionFunc
	defs     map[string]*schema.ActionDefinition

	mu        sync.Mutex
	status    schema.NodeStatus
	state     map[string]any
	config    map[string]any
	resources map[string]any
	actions   map[string]*actionRecord
	log       []map[string]any

	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
	onShutdown func()
	echo       *echo.Echo
}

// New creates a node with no actions.
func New(cfg Config) *Node {
	if cfg.Name == "" {
		cfg.Name = "simnode"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(defaultDataRoot(), cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		logger:     cfg.Logger.With("node", cfg.Name),
		handlers:   make(map[string]ActionFunc),
		defs:       make(map[string]*schema.ActionDefinition),
		state:      make(map[string]any),
		config:     make(map[string]any),
		resources:  make(map[string]any),
		actions:    make(map[string]*actionRecord),
		runCtx:     ctx,
		cancelRuns: cancel,
	}
	n.echo = n.routes()
	return n
}

// Register adds an action. Registering a name twice replaces it.
func (n *Node) Register(def schema.ActionDefinition, fn ActionFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := def
	n.defs[def.Name] = &d
	n.handlers[def.Name] = fn
}

// Handler returns the node's HTTP handler.
func (n *Node) Handler() http.Handler { return n.echo }

// OnShutdown sets a callback run after the shutdown admin command.
func (n *Node) OnShutdown(fn func()) { n.onShutdown = fn }

// Start serves the node on addr until Shutdown.
func (n *Node) Start(addr string) error {
	n.echo.HideBanner = true
	n.echo.HidePort = true
	n.logger.Info("simulated node listening", "addr", addr, "actions", len(n.defs))
	if err := n.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops the server, cancels running actions and waits for them.
func (n *Node) Shutdown(ctx context.Context) error {
	n.cancelRuns()
	err := n.echo.Shutdown(ctx)
	n.wg.Wait()
	return err
}

// SetState sets one key of the reported state.
func (n *Node) SetState(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state[key] = value
}

// SetResources replaces what GET /resources reports.
func (n *Node) SetResources(resources map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources = resources
}

// Status returns a snapshot of the node status.
func (n *Node) Status() schema.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusLocked()
}

func (n *Node) statusLocked() schema.NodeStatus {
	s := n.status
	s.Errors = slices.Clone(n.status.Errors)
	s.CompletedActions = slices.Clone(n.status.CompletedActions)
	s.RunningActions = nil
	for id, rec := range n.actions {
		if rec.result.Status == schema.ActionStatusRunning {
			s.RunningActions = append(s.RunningActions, id)
		}
	}
	slices.Sort(s.RunningActions)
	s.WaitingForConfig = nil
	for _, key := range n.cfg.RequiredConfig {
		if _, ok := n.config[key]; !ok {
			s.WaitingForConfig = append(s.WaitingForConfig, key)
		}
	}
	return s
}

func (n *Node) info() *schema.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	actions := make(map[string]*schema.ActionDefinition, len(n.defs))
	for name, def := range n.defs {
		actions[name] = def
	}
	config := make(map[string]any, len(n.config))
	for k, v := range n.config {
		config[k] = v
	}
	return &schema.NodeInfo{
		NodeName:    n.cfg.Name,
		Description: n.cfg.Description,
		ModuleName:  n.cfg.ModuleName,
		Actions:     actions,
		Config:      config,
	}
}

func (n *Node) appendLog(event string, fields map[string]any) {
	entry := map[string]any{"event": event, "time": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range fields {
		entry[k] = v
	}
	n.log = append(n.log, entry)
}

func (n *Node) routes() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())

	e.POST("/action", n.handleSendAction)
	e.GET("/action", n.handleActionHistory)
	e.GET("/action/:id", n.handleGetAction)
	e.GET("/status", n.handleStatus)
	e.GET("/state", n.handleState)
	e.GET("/info", n.handleInfo)
	e.POST("/config", n.handleSetConfig)
	e.POST("/admin/:command", n.handleAdmin)
	e.GET("/resources", n.handleResources)
	e.GET("/log", n.handleLog)
	return e
}
