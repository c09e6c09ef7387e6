package workcell

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/engine"
	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/nodesim"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/validation"
	"github.com/rendis/workcell/pkg/schema"
)

type fixture struct {
	mgr     *Manager
	monitor *NodeMonitor
	store   *store.MemoryStore
	archive *store.LibSQLArchive
	clients *nodeclient.Registry
	node    *nodesim.Node
	nodeURL string
	wc      *schema.WorkcellDefinition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	node := nodesim.NewDemo(nodesim.Config{Name: "liquidhandler", DataDir: t.TempDir()})
	srv := httptest.NewServer(node.Handler())
	t.Cleanup(func() {
		srv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = node.Shutdown(sctx)
	})

	archive, err := store.NewLibSQLArchive("file:" + filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	require.NoError(t, archive.Migrate(ctx))
	t.Cleanup(func() { _ = archive.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(cel, expressions.NewGoJQEngine())
	require.NoError(t, err)

	st := store.NewMemoryStore()
	clients := nodeclient.NewDefaultRegistry(nodeclient.RESTOptions{DataDir: t.TempDir()})
	recorder := engine.NewRecorder(archive, nil, nil)

	mgr, err := NewManager(Options{
		Store:     st,
		Archive:   archive,
		Clients:   clients,
		Validator: validator,
		Recorder:  recorder,
	})
	require.NoError(t, err)

	wc := &schema.WorkcellDefinition{
		Name:   "test-cell",
		Nodes:  map[string]string{"liquidhandler": srv.URL},
		Config: schema.WorkcellConfig{StepTimeout: time.Minute},
	}
	require.NoError(t, mgr.Initialize(ctx, wc))

	monitor := NewNodeMonitor(st, clients, recorder, time.Second, nil)
	require.NoError(t, monitor.UpdateAll(ctx))

	return &fixture{
		mgr: mgr, monitor: monitor, store: st, archive: archive,
		clients: clients, node: node, nodeURL: srv.URL, wc: wc,
	}
}

func transferDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "Transfer ${volume} uL",
		Parameters: []schema.ParameterDefinition{
			{Name: "volume", Default: 10},
		},
		Flowdef: []schema.StepDefinition{{
			Name:   "transfer",
			Node:   "liquidhandler",
			Action: "transfer",
			Args:   map[string]any{"source": "plate.A1", "target": "plate.B1", "volume": "$volume"},
		}},
	}
}

func (f *fixture) finish(t *testing.T, id string, status schema.WorkflowStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithLock(ctx, func(ctx context.Context) error {
		wf, _, err := f.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		wf.Status = status
		wf.EndTime = &now
		return f.store.SetWorkflow(ctx, wf)
	}))
}

func eventTypes(events []*store.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
