// Package mock provides a test double for the notes.Generator interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/scribegate/internal/notes"
)

// GenerateCall records a single invocation of Generator.Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the request passed to Generate.
	Req notes.Request
}

// Generator is a mock implementation of notes.Generator.
type Generator struct {
	mu sync.Mutex

	// Text is the note text returned on success.
	Text string

	// Err, if non-nil, is returned by every Generate call.
	Err error

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall
}

// Ensure Generator implements notes.Generator at compile time.
var _ notes.Generator = (*Generator)(nil)

// Generate records the call and returns Text, Err.
func (g *Generator) Generate(ctx context.Context, req notes.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.GenerateCalls = append(g.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	if g.Err != nil {
		return "", g.Err
	}
	return g.Text, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (g *Generator) Calls() []GenerateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerateCall, len(g.GenerateCalls))
	copy(out, g.GenerateCalls)
	return out
}
