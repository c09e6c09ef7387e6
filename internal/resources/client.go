// Package resources is the engine's view of the resource inventory service:
// look resources up and move them between containers with push/pop.
package resources

import (
	"context"
	"time"
)

// Resource is one tracked item or container in the inventory.
type Resource struct {
	ResourceID   string         `json:"resource_id"`
	Name         string         `json:"resource_name"`
	ResourceType string         `json:"resource_type,omitempty"`
	Quantity     float64        `json:"quantity"`
	Capacity     *float64       `json:"capacity,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Children     []*Resource    `json:"children,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// Map renders the resource as the plain map exposed to step conditions.
func (r *Resource) Map() map[string]any {
	attrs := r.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	m := map[string]any{
		"resource_id":   r.ResourceID,
		"resource_name": r.Name,
		"resource_type": r.ResourceType,
		"quantity":      r.Quantity,
		"attributes":    attrs,
		"child_count":   int64(len(r.Children)),
	}
	if r.Capacity != nil {
		m["capacity"] = *r.Capacity
	}
	return m
}

// Client is the inventory contract. Get and GetByName report absence through
// the bool result, never through the error.
type Client interface {
	Get(ctx context.Context, resourceID string) (*Resource, bool, error)
	GetByName(ctx context.Context, name string) (*Resource, bool, error)
	// Push places child on top of the container and returns the updated container.
	Push(ctx context.Context, containerID string, child *Resource) (*Resource, error)
	// Pop removes and returns the top child of the container.
	Pop(ctx context.Context, containerID string) (*Resource, error)
}

// Lookup resolves a reference that may be an id or a name: by id first,
// then by name when the id is unknown.
func Lookup(ctx context.Context, c Client, ref string) (*Resource, bool, error) {
	r, ok, err := c.Get(ctx, ref)
	if err != nil || ok {
		return r, ok, err
	}
	return c.GetByName(ctx, ref)
}
