package workcell

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/workcell/internal/engine"
	"github.com/rendis/workcell/internal/logging"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/pkg/schema"
)

// NodeMonitor refreshes every workcell node's record from the node itself.
// The scheduler reads readiness from these records only.
type NodeMonitor struct {
	store    store.StateStore
	clients  *nodeclient.Registry
	recorder *engine.Recorder
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewNodeMonitor creates a monitor. Each node fetch is bounded by timeout.
func NewNodeMonitor(s store.StateStore, clients *nodeclient.Registry, recorder *engine.Recorder, timeout time.Duration, logger *slog.Logger) *NodeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NodeMonitor{store: s, clients: clients, recorder: recorder, timeout: timeout, logger: logger, now: time.Now}
}

// Run calls UpdateAll every interval until ctx is cancelled.
func (m *NodeMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.UpdateAll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("node update failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UpdateAll polls every workcell node concurrently and stores the results.
// An unreachable node is recorded as disconnected.
func (m *NodeMonitor) UpdateAll(ctx context.Context) error {
	wc, ok, err := m.store.GetWorkcell(ctx)
	if err != nil || !ok {
		return err
	}

	var wg sync.WaitGroup
	for _, name := range SortedNodeNames(wc) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nctx := logging.WithNode(ctx, name)
			if err := m.update(nctx, name, wc.Nodes[name]); err != nil {
				logging.LogWith(nctx, m.logger).Warn("store node record failed", "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// poll is what one pass learned about a node.
type poll struct {
	status *schema.NodeStatus
	info   *schema.NodeInfo
	state  map[string]any
}

func (m *NodeMonitor) update(ctx context.Context, name, nodeURL string) error {
	prev, _, err := m.store.GetNode(ctx, name)
	if err != nil {
		return err
	}
	p := m.fetch(ctx, nodeURL, prev == nil || prev.Info == nil || prev.NodeURL != nodeURL)

	var changed bool
	var ready bool
	var reason string
	err = m.store.WithLock(ctx, func(ctx context.Context) error {
		node, ok, err := m.store.GetNode(ctx, name)
		if err != nil {
			return err
		}
		if !ok || node.NodeURL != nodeURL {
			node = &schema.Node{NodeName: name, NodeURL: nodeURL}
		}
		wasReady, wasReason := node.Status.IsReady()

		node.Status = p.status
		if p.info != nil {
			node.Info = p.info
		}
		if p.state != nil {
			node.State = p.state
		}
		node.LastUpdated = m.now().UTC()

		ready, reason = node.Status.IsReady()
		changed = ready != wasReady || reason != wasReason
		return m.store.SetNode(ctx, node)
	})
	if err != nil {
		return err
	}

	if changed {
		logging.LogWith(ctx, m.logger).Info("node readiness changed", "ready", ready, "reason", reason)
		m.recorder.Record(ctx, &engine.Transition{
			Node:    name,
			Type:    schema.EventNodeStatusChanged,
			Payload: map[string]any{"ready": ready, "reason": reason},
			At:      m.now().UTC(),
		})
	}
	return nil
}

// fetch reads status, state and, when wanted, info from the node. Network
// calls happen outside the state lock.
func (m *NodeMonitor) fetch(ctx context.Context, nodeURL string, wantInfo bool) poll {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	log := logging.LogWith(ctx, m.logger)

	client, err := m.clients.Resolve(nodeURL)
	if err != nil {
		return poll{status: disconnected(err, m.now())}
	}
	status, err := client.GetStatus(ctx)
	if err != nil {
		log.Debug("node status unavailable", "error", err)
		return poll{status: disconnected(err, m.now())}
	}

	p := poll{status: status}
	if state, err := client.GetState(ctx); err == nil {
		p.state = state
	}
	if wantInfo {
		if info, err := client.GetInfo(ctx); err == nil {
			p.info = info
		} else {
			log.Debug("node info unavailable", "error", err)
		}
	}
	return p
}

func disconnected(err error, now time.Time) *schema.NodeStatus {
	return &schema.NodeStatus{
		Disconnected: true,
		Errors:       []schema.ActionError{{Message: err.Error(), ErrorType: "ConnectionError", Timestamp: now.UTC()}},
	}
}
