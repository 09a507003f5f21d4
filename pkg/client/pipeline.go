package client

import (
	"sync"
)

// Names of the built-in middleware.
const (
	MiddlewareRetry     = "retry"
	MiddlewareRateLimit = "rate_limit"
	MiddlewareOAuth2    = "oauth2"
	MiddlewareLogging   = "logging"
)

// Middleware decorates a Handler. Its name identifies it inside a Pipeline.
type Middleware interface {
	Name() string
	Wrap(next Handler) Handler
}

type middlewareFunc struct {
	name string
	wrap func(next Handler) Handler
}

func (m middlewareFunc) Name() string              { return m.name }
func (m middlewareFunc) Wrap(next Handler) Handler { return m.wrap(next) }

// NewMiddleware builds a Middleware from a wrap function.
func NewMiddleware(name string, wrap func(next Handler) Handler) Middleware {
	return middlewareFunc{name: name, wrap: wrap}
}

// Pipeline is an ordered set of uniquely named middleware. The first entry
// is the outermost wrapper, the last one sits closest to the transport.
// It is safe for concurrent use.
type Pipeline struct {
	mu      sync.RWMutex
	entries []Middleware
}

// NewPipeline creates a pipeline from mws in order. Later entries replace
// earlier ones of the same name.
func NewPipeline(mws ...Middleware) *Pipeline {
	p := &Pipeline{}
	for _, mw := range mws {
		p.Add(mw)
	}
	return p
}

// Add appends mw, or replaces the entry with the same name in place.
func (p *Pipeline) Add(mw Middleware) {
	if mw == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.entries {
		if existing.Name() == mw.Name() {
			p.entries[i] = mw
			return
		}
	}
	p.entries = append(p.entries, mw)
}

// Remove drops the named middleware. Unknown names are ignored.
func (p *Pipeline) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.entries {
		if existing.Name() == name {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			return
		}
	}
}

// Get returns the named middleware.
func (p *Pipeline) Get(name string) (Middleware, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, existing := range p.entries {
		if existing.Name() == name {
			return existing, true
		}
	}
	return nil, false
}

// Names returns the middleware names, outermost first.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, len(p.entries))
	for i, mw := range p.entries {
		names[i] = mw.Name()
	}
	return names
}

// Len returns the number of middleware.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Then wraps transport with every middleware and returns the entry point.
func (p *Pipeline) Then(transport Handler) Handler {
	p.mu.RLock()
	entries := make([]Middleware, len(p.entries))
	copy(entries, p.entries)
	p.mu.RUnlock()

	h := transport
	for i := len(entries) - 1; i >= 0; i-- {
		h = entries[i].Wrap(h)
	}
	return h
}
