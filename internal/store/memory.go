package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rendis/workcell/pkg/schema"
)

// MemoryStore is a single-process StateStore. Records are kept as JSON so
// callers never share memory with the store, matching the Redis behaviour.
type MemoryStore struct {
	mu        sync.RWMutex
	workcell  []byte
	workflows map[string][]byte
	nodes     map[string][]byte
	seq       int64

	// lock is a one-slot semaphore so WithLock can honour ctx cancellation.
	lock chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		nodes:     make(map[string][]byte),
		lock:      make(chan struct{}, 1),
	}
}

func (s *MemoryStore) GetWorkcell(_ context.Context) (*schema.WorkcellDefinition, bool, error) {
	s.mu.RLock()
	raw := s.workcell
	s.mu.RUnlock()
	if raw == nil {
		return nil, false, nil
	}
	var wc schema.WorkcellDefinition
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, false, fmt.Errorf("unmarshal workcell: %w", err)
	}
	return &wc, true, nil
}

func (s *MemoryStore) SetWorkcell(_ context.Context, wc *schema.WorkcellDefinition) error {
	raw, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("marshal workcell: %w", err)
	}
	s.mu.Lock()
	s.workcell = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.WorkflowID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.WorkflowID)
	}
	s.seq++
	wf.Sequence = s.seq
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	s.workflows[wf.WorkflowID] = raw
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, bool, error) {
	s.mu.RLock()
	raw, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	wf, err := decodeWorkflow(raw)
	if err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func (s *MemoryStore) SetWorkflow(_ context.Context, wf *schema.Workflow) error {
	raw, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	s.mu.Lock()
	s.workflows[wf.WorkflowID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(s.workflows))
	for _, raw := range s.workflows {
		wf, err := decodeWorkflow(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	SortWorkflows(out)
	return out, nil
}

func (s *MemoryStore) GetNode(_ context.Context, name string) (*schema.Node, bool, error) {
	s.mu.RLock()
	raw, ok := s.nodes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func (s *MemoryStore) SetNode(_ context.Context, node *schema.Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	s.mu.Lock()
	s.nodes[node.NodeName] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListNodes(_ context.Context) ([]*schema.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Node, 0, len(s.nodes))
	for _, raw := range s.nodes {
		n, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sortNodes(out)
	return out, nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; !ok {
		return storeNotFound("node", name)
	}
	delete(s.nodes, name)
	return nil
}

func (s *MemoryStore) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeLockTimeout, "state lock not acquired").WithCause(ctx.Err())
	}
	defer func() { <-s.lock }()
	return fn(ctx)
}

func (s *MemoryStore) Close() error { return nil }

func decodeWorkflow(raw []byte) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func decodeNode(raw []byte) (*schema.Node, error) {
	var n schema.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &n, nil
}
