package llm

import (
	"context"
	"sync"
)

// StaticProvider answers without any network call. With no Responder it
// returns an empty JSON object, which makes callers fall back to their
// template output; this is the offline mode used for dry runs and tests.
type StaticProvider struct {
	Responder func(Request) (string, error)
	requests  []Request
	mu        sync.Mutex
}

// NewStaticProvider returns a provider that always answers "{}".
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Generate implements Provider.
func (p *StaticProvider) Generate(ctx context.Context, r Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.requests = append(p.requests, r)
	p.mu.Unlock()

	if p.Responder == nil {
		return "{}", nil
	}
	return p.Responder(r)
}

// Requests returns the requests seen so far.
func (p *StaticProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}
