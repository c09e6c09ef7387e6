package nodeclient

import (
	"net/url"
	"strings"
	"sync"

	"github.com/rendis/workcell/pkg/schema"
)

// Matcher decides whether a transport can serve a parsed node URL.
type Matcher func(u *url.URL) bool

// Constructor builds a client for a node URL.
type Constructor func(nodeURL string) (Client, error)

type registration struct {
	name  string
	match Matcher
	build Constructor
}

// Registry resolves node URLs to clients. Transports are tried in
// registration order and the first match wins. Built clients are cached
// per URL.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	clients map[string]Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// NewDefaultRegistry returns a Registry with the REST transport registered
// for http and https URLs.
func NewDefaultRegistry(opts RESTOptions) *Registry {
	r := NewRegistry()
	r.Register("rest", SchemeMatcher("http", "https"), func(nodeURL string) (Client, error) {
		return NewRESTClient(nodeURL, opts)
	})
	return r
}

// Register appends a transport. Later registrations never shadow earlier ones.
func (r *Registry) Register(name string, match Matcher, build Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, registration{name: name, match: match, build: build})
}

// Transports lists registered transport names in resolution order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

// Resolve returns the client for nodeURL, or a NO_CLIENT error when no
// registered transport accepts it.
func (r *Registry) Resolve(nodeURL string) (Client, error) {
	r.mu.RLock()
	c, ok := r.clients[nodeURL]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	u, err := url.Parse(nodeURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNoClient, "no client for URL %q", nodeURL).WithCause(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[nodeURL]; ok {
		return c, nil
	}
	for _, e := range r.entries {
		if !e.match(u) {
			continue
		}
		c, err := e.build(nodeURL)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNoClient, "%s client for %q", e.name, nodeURL).WithCause(err)
		}
		r.clients[nodeURL] = c
		return c, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNoClient, "no client for URL %q", nodeURL)
}

// SchemeMatcher matches URLs whose scheme is one of schemes (case-insensitive).
func SchemeMatcher(schemes ...string) Matcher {
	return func(u *url.URL) bool {
		for _, s := range schemes {
			if strings.EqualFold(u.Scheme, s) {
				return true
			}
		}
		return false
	}
}
