package nodesim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/workcell/pkg/schema"
)

// NewDemo creates a node with the demo action set: transfer, measure,
// wait, echo and fail.
func NewDemo(cfg Config) *Node {
	n := New(cfg)
	n.Register(schema.ActionDefinition{
		Name:        "transfer",
		Description: "Move liquid between two locations",
		Args: map[string]*schema.ArgumentDefinition{
			"source": {Name: "source", ArgumentType: "string", Required: true},
			"target": {Name: "target", ArgumentType: "string", Required: true},
			"volume": {Name: "volume", ArgumentType: "number", Required: true},
		},
		Results: map[string]string{"transferred": "volume moved, in uL"},
	}, n.transfer)
	n.Register(schema.ActionDefinition{
		Name:        "measure",
		Description: "Read absorbance of a number of wells",
		Args: map[string]*schema.ArgumentDefinition{
			"wells": {Name: "wells", ArgumentType: "integer", Default: 1},
		},
		Results: map[string]string{"readings": "one reading per well", "table": "csv of readings"},
	}, measure)
	n.Register(schema.ActionDefinition{
		Name: "wait",
		Args: map[string]*schema.ArgumentDefinition{
			"seconds": {Name: "seconds", ArgumentType: "number", Required: true},
		},
	}, wait)
	n.Register(schema.ActionDefinition{Name: "echo", Description: "Return the arguments"}, echoArgs)
	n.Register(schema.ActionDefinition{
		Name: "fail",
		Args: map[string]*schema.ArgumentDefinition{
			"message": {Name: "message", ArgumentType: "string"},
		},
	}, fail)
	return n
}

func (n *Node) transfer(_ context.Context, req *Request) (schema.ActionReturn, error) {
	volume, ok := req.Args["volume"].(float64)
	if !ok || volume <= 0 {
		return schema.ActionReturn{}, fmt.Errorf("volume must be a positive number, got %v", req.Args["volume"])
	}
	n.SetState("last_transfer", map[string]any{
		"source": req.Args["source"],
		"target": req.Args["target"],
		"volume": volume,
	})
	return schema.LabeledReturn(map[string]any{"transferred": volume}, nil), nil
}

func measure(_ context.Context, req *Request) (schema.ActionReturn, error) {
	wells := 1
	if v, ok := req.Args["wells"].(float64); ok {
		wells = int(v)
	}
	if wells < 1 {
		return schema.ActionReturn{}, errors.New("wells must be at least 1")
	}

	readings := make([]any, wells)
	var csv strings.Builder
	csv.WriteString("well,absorbance\n")
	for i := range wells {
		r := 0.1 * float64(i+1)
		readings[i] = r
		fmt.Fprintf(&csv, "%d,%.2f\n", i+1, r)
	}
	path := filepath.Join(req.OutputDir, "readings.csv")
	if err := os.WriteFile(path, []byte(csv.String()), 0o644); err != nil {
		return schema.ActionReturn{}, fmt.Errorf("write readings: %w", err)
	}
	return schema.LabeledReturn(
		map[string]any{"readings": readings},
		map[string]string{"table": path},
	), nil
}

func wait(ctx context.Context, req *Request) (schema.ActionReturn, error) {
	seconds, _ := req.Args["seconds"].(float64)
	if err := sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
		return schema.ActionReturn{}, err
	}
	return schema.EmptyReturn(), nil
}

func echoArgs(_ context.Context, req *Request) (schema.ActionReturn, error) {
	return schema.ValueReturn(req.Args), nil
}

func fail(_ context.Context, req *Request) (schema.ActionReturn, error) {
	msg, _ := req.Args["message"].(string)
	if msg == "" {
		msg = "simulated failure"
	}
	return schema.ActionReturn{}, errors.New(msg)
}
