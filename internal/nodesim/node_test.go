package nodesim

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/pkg/schema"
)

func startNode(t *testing.T, cfg Config) (*Node, *nodeclient.RESTClient) {
	t.Helper()
	cfg.DataDir = t.TempDir()
	n := NewDemo(cfg)
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	c, err := nodeclient.NewRESTClient(srv.URL, nodeclient.RESTOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	return n, c
}

func waitResult(t *testing.T, c *nodeclient.RESTClient, id string) *schema.ActionResult {
	t.Helper()
	var res *schema.ActionResult
	require.Eventually(t, func() bool {
		r, err := c.GetActionResult(context.Background(), id)
		if err != nil {
			return false
		}
		res = r
		return r.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	return res
}

func TestInfo_ListsActions(t *testing.T) {
	_, c := startNode(t, Config{Name: "liquidhandler", ModuleName: "sim"})

	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "liquidhandler", info.NodeName)
	assert.Contains(t, info.Actions, "transfer")
	assert.True(t, info.Actions["transfer"].Args["volume"].Required)
}

func TestSendAction_RunsAndReportsData(t *testing.T) {
	n, c := startNode(t, Config{})
	ctx := context.Background()

	res, err := c.SendAction(ctx, &schema.ActionRequest{
		ActionID:   "a1",
		ActionName: "transfer",
		Args:       map[string]any{"source": "plate.A1", "target": "plate.B1", "volume": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", res.ActionID)

	final := waitResult(t, c, "a1")
	assert.Equal(t, schema.ActionStatusSucceeded, final.Status)
	assert.Equal(t, 50.0, final.Data["transferred"])

	state, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plate.B1", state["last_transfer"].(map[string]any)["target"])
	assert.Equal(t, []string{"a1"}, n.Status().CompletedActions)
}

func TestSendAction_RepeatedIDDoesNotRerun(t *testing.T) {
	n, c := startNode(t, Config{})
	ctx := context.Background()
	req := &schema.ActionRequest{ActionID: "a1", ActionName: "echo", Args: map[string]any{"x": 1}}

	_, err := c.SendAction(ctx, req)
	require.NoError(t, err)
	waitResult(t, c, "a1")

	again, err := c.SendAction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSucceeded, again.Status)
	assert.Len(t, n.Status().CompletedActions, 1)
}

func TestSendAction_UnknownActionFails(t *testing.T) {
	_, c := startNode(t, Config{Name: "reader"})

	res, err := c.SendAction(context.Background(), &schema.ActionRequest{ActionID: "a1", ActionName: "teleport"})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, `"teleport" not found`)
}

func TestSendAction_ActionErrorFails(t *testing.T) {
	_, c := startNode(t, Config{})

	_, err := c.SendAction(context.Background(), &schema.ActionRequest{
		ActionID: "a1", ActionName: "fail", Args: map[string]any{"message": "tip missing"},
	})
	require.NoError(t, err)
	res := waitResult(t, c, "a1")
	assert.Equal(t, schema.ActionStatusFailed, res.Status)
	assert.Equal(t, "tip missing", res.Errors[0].Message)
}

func TestGetActionResult_DownloadsFile(t *testing.T) {
	_, c := startNode(t, Config{})

	_, err := c.SendAction(context.Background(), &schema.ActionRequest{
		ActionID: "m1", ActionName: "measure", Args: map[string]any{"wells": 3},
	})
	require.NoError(t, err)
	res := waitResult(t, c, "m1")

	require.Equal(t, schema.ActionStatusSucceeded, res.Status)
	assert.Len(t, res.Data["readings"], 3)
	path := res.Files["table"]
	require.NotEmpty(t, path)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "well,absorbance\n1,0.10\n")
}

func TestGetActionResult_UnknownIsNotFound(t *testing.T) {
	_, c := startNode(t, Config{})

	_, err := c.GetActionResult(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, nodeclient.IsActionNotFound(err))
}

func TestAdmin_LockRejectsActions(t *testing.T) {
	_, c := startNode(t, Config{})
	ctx := context.Background()

	resp, err := c.SendAdminCommand(ctx, schema.AdminLock)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	ready, reason := status.IsReady()
	assert.False(t, ready)
	assert.Equal(t, "node is locked", reason)

	res, err := c.SendAction(ctx, &schema.ActionRequest{ActionID: "a1", ActionName: "echo"})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, res.Status)

	_, err = c.SendAdminCommand(ctx, schema.AdminUnlock)
	require.NoError(t, err)
	status, err = c.GetStatus(ctx)
	require.NoError(t, err)
	ready, _ = status.IsReady()
	assert.True(t, ready)
}

func TestAdmin_CancelStopsRunningAction(t *testing.T) {
	_, c := startNode(t, Config{})
	ctx := context.Background()

	_, err := c.SendAction(ctx, &schema.ActionRequest{ActionID: "w1", ActionName: "wait", Args: map[string]any{"seconds": 30}})
	require.NoError(t, err)

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, status.RunningActions)

	_, err = c.SendAdminCommand(ctx, schema.AdminCancel)
	require.NoError(t, err)
	res := waitResult(t, c, "w1")
	assert.Equal(t, schema.ActionStatusCancelled, res.Status)
}

func TestConfig_RequiredKeysBlockReadiness(t *testing.T) {
	_, c := startNode(t, Config{RequiredConfig: []string{"deck"}})
	ctx := context.Background()

	status, err := c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"deck"}, status.WaitingForConfig)

	resp, err := c.SetConfig(ctx, map[string]any{"deck": "96-well"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	status, err = c.GetStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.WaitingForConfig)

	info, err := c.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "96-well", info.Config["deck"])
}

func TestHistoryAndLog(t *testing.T) {
	n, c := startNode(t, Config{})
	ctx := context.Background()
	n.SetResources(map[string]any{"deck": map[string]any{"slots": 4.0}})

	_, err := c.SendAction(ctx, &schema.ActionRequest{ActionID: "a1", ActionName: "echo"})
	require.NoError(t, err)
	waitResult(t, c, "a1")

	history, err := c.GetActionHistory(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, history["a1"], 1)
	assert.Equal(t, schema.ActionStatusSucceeded, history["a1"][0].Status)

	entries, err := c.GetLog(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "action_started", entries[0]["event"])

	resources, err := c.GetResources(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.0, resources["deck"].(map[string]any)["slots"])
}
