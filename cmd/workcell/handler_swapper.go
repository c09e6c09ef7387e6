package main

import (
	"net/http"
	"sync"
)

// handlerSwapper serves through a handler that can be replaced while the
// server runs. Config reloads use it to mount or unmount /mcp.
type handlerSwapper struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	return &handlerSwapper{handler: h}
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// Swap replaces the underlying handler.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// rootHandler routes /mcp to the MCP transport when enabled and
// everything else to the API.
func rootHandler(apiHandler, mcpHandler http.Handler, mcpEnabled bool) http.Handler {
	if !mcpEnabled || mcpHandler == nil {
		return apiHandler
	}
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.Handle("/mcp/", mcpHandler)
	mux.Handle("/", apiHandler)
	return mux
}
