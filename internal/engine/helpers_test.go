package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/pkg/schema"
)

type recordedAction struct {
	ID   string
	Name string
	Args map[string]any
}

// fakeNode serves the node action endpoints from memory.
type fakeNode struct {
	srv *httptest.Server

	mu       sync.Mutex
	actions  map[string]*schema.ActionResult
	requests []recordedAction
	attempts int
	// dropSends answers that many sends with 503 without recording them.
	dropSends int
	// hold keeps every action running.
	hold bool
	fail bool
	data map[string]any
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{actions: make(map[string]*schema.ActionResult)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action", n.handleSend)
	mux.HandleFunc("GET /action/{id}", n.handleResult)
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.dropSends > 0 {
		n.dropSends--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	var args map[string]any
	_ = json.Unmarshal([]byte(r.FormValue("args")), &args)
	id := r.FormValue("action_id")
	n.requests = append(n.requests, recordedAction{ID: id, Name: r.FormValue("action_name"), Args: args})
	res := &schema.ActionResult{ActionID: id, Status: schema.ActionStatusRunning}
	n.actions[id] = res
	writeJSON(w, res)
}

func (n *fakeNode) handleResult(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	res, ok := n.actions[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	out := *res
	switch {
	case n.hold:
	case n.fail:
		out.Status = schema.ActionStatusFailed
		out.Errors = []schema.ActionError{{Message: "gripper jam", ErrorType: "DeviceError"}}
	default:
		out.Status = schema.ActionStatusSucceeded
		out.Data = n.data
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (n *fakeNode) URL() string { return n.srv.URL }

func (n *fakeNode) setHold(hold bool) {
	n.mu.Lock()
	n.hold = hold
	n.mu.Unlock()
}

// preload registers an action as if an earlier process had sent it.
func (n *fakeNode) preload(id string) {
	n.mu.Lock()
	n.actions[id] = &schema.ActionResult{ActionID: id, Status: schema.ActionStatusRunning}
	n.mu.Unlock()
}

func (n *fakeNode) Requests() []recordedAction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedAction(nil), n.requests...)
}

func (n *fakeNode) Attempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts
}

// countingStore counts workflow writes.
type countingStore struct {
	store.StateStore
	writes atomic.Int64
}

func (s *countingStore) SetWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.writes.Add(1)
	return s.StateStore.SetWorkflow(ctx, wf)
}

// fakeInventory is an in-memory resources.Client of stacks.
type fakeInventory struct {
	mu    sync.Mutex
	items map[string]*resources.Resource
}

func newFakeInventory(containers ...*resources.Resource) *fakeInventory {
	inv := &fakeInventory{items: make(map[string]*resources.Resource)}
	for _, c := range containers {
		inv.items[c.ResourceID] = c
	}
	return inv
}

func (f *fakeInventory) Get(_ context.Context, id string) (*resources.Resource, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.items[id]
	return r, ok, nil
}

func (f *fakeInventory) GetByName(_ context.Context, name string) (*resources.Resource, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.items {
		if r.Name == name {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeInventory) Push(_ context.Context, id string, child *resources.Resource) (*resources.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "resource %q not found", id)
	}
	c.Children = append(c.Children, child)
	c.Quantity = float64(len(c.Children))
	return c, nil
}

func (f *fakeInventory) Pop(_ context.Context, id string) (*resources.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok || len(c.Children) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "resource %q is empty", id)
	}
	top := c.Children[len(c.Children)-1]
	c.Children = c.Children[:len(c.Children)-1]
	c.Quantity = float64(len(c.Children))
	return top, nil
}

// harness wires an Engine to a memory store and fake nodes.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *countingStore
	hub    *streaming.MemoryHub
	engine *Engine
	nodes  map[string]*fakeNode
	seq    int
}

type harnessOption func(*Options)

func withConfig(fn func(*schema.WorkcellConfig)) harnessOption {
	return func(o *Options) { fn(&o.Config) }
}

func withInventory(inv resources.Client) harnessOption {
	return func(o *Options) { o.Inventory = inv }
}

func withBreakers(b *CircuitBreakerRegistry) harnessOption {
	return func(o *Options) { o.Breakers = b }
}

func withChecker(c ResourceChecker) harnessOption {
	return func(o *Options) { o.Checker = c }
}

func testConfig() schema.WorkcellConfig {
	return schema.WorkcellConfig{
		SchedulerUpdateInterval: 10 * time.Millisecond,
		NodeUpdateInterval:      10 * time.Millisecond,
		StepPollInterval:        5 * time.Millisecond,
		StepTimeout:             5 * time.Second,
		MaxConcurrentSteps:      4,
	}
}

func newHarness(t *testing.T, nodeNames []string, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		t:     t,
		ctx:   ctx,
		store: &countingStore{StateStore: store.NewMemoryStore()},
		hub:   streaming.NewMemoryHub(),
		nodes: make(map[string]*fakeNode),
	}

	wc := &schema.WorkcellDefinition{Name: "test_cell", Nodes: map[string]string{}}
	for _, name := range nodeNames {
		n := newFakeNode(t)
		h.nodes[name] = n
		wc.Nodes[name] = n.URL()
		h.setNodeStatus(name, &schema.NodeStatus{})
	}
	require.NoError(t, h.store.SetWorkcell(ctx, wc))

	o := Options{
		Store:  h.store,
		Hub:    h.hub,
		Config: testConfig(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(e.Stop)
	return h
}

func (h *harness) setNodeStatus(name string, status *schema.NodeStatus) {
	h.t.Helper()
	url := ""
	if n, ok := h.nodes[name]; ok {
		url = n.URL()
	}
	require.NoError(h.t, h.store.SetNode(h.ctx, &schema.Node{NodeName: name, NodeURL: url, Status: status}))
}

// submit stores a NEW workflow built from steps, submitted after every
// earlier call.
func (h *harness) submit(id string, params map[string]any, defs []schema.ParameterDefinition, steps ...schema.StepDefinition) *schema.Workflow {
	h.t.Helper()
	h.seq++
	wf := &schema.Workflow{
		WorkflowID:    id,
		Name:          id,
		Status:        schema.WorkflowStatusNew,
		Parameters:    params,
		SubmittedTime: time.Date(2026, 1, 1, 0, 0, h.seq, 0, time.UTC),
		Definition:    schema.WorkflowDefinition{Name: id, Parameters: defs, Flowdef: steps},
	}
	for i, sd := range steps {
		wf.Steps = append(wf.Steps, schema.Step{
			StepDefinition: sd,
			StepID:         fmt.Sprintf("%s-step-%d", id, i),
			Status:         schema.StepStatusNotStarted,
		})
	}
	require.NoError(h.t, h.store.CreateWorkflow(h.ctx, wf))
	return wf
}

func (h *harness) get(id string) *schema.Workflow {
	wf, ok, err := h.store.GetWorkflow(h.ctx, id)
	if err != nil || !ok {
		return nil
	}
	return wf
}

// runUntil iterates the scheduler until cond holds for the workflow.
func (h *harness) runUntil(id string, cond func(*schema.Workflow) bool) *schema.Workflow {
	h.t.Helper()
	var wf *schema.Workflow
	require.Eventually(h.t, func() bool {
		if err := h.engine.RunIteration(h.ctx); err != nil {
			return false
		}
		wf = h.get(id)
		return wf != nil && cond(wf)
	}, 5*time.Second, 5*time.Millisecond)
	return wf
}

// iterate runs n iterations, pausing briefly so dispatched steps can report.
func (h *harness) iterate(n int) {
	h.t.Helper()
	for range n {
		require.NoError(h.t, h.engine.RunIteration(h.ctx))
		time.Sleep(10 * time.Millisecond)
	}
}

// settle waits until no dispatched step is still running.
func (h *harness) settle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.engine.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func hasStatus(s schema.WorkflowStatus) func(*schema.Workflow) bool {
	return func(wf *schema.Workflow) bool { return wf.Status == s }
}

// collect drains events from ch until none arrive for a short while.
func collect(ch <-chan streaming.StreamEvent) []streaming.StreamEvent {
	var out []streaming.StreamEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func eventTypes(events []streaming.StreamEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}
