// Package producer defines the provider boundary of the build runtime. It
// declares the Handler contract live and simulated providers implement, the
// request/result types crossing the boundary, a typed error for retry and UX
// decisions, and the payload shaper that turns resolved job inputs into
// provider API fields.
package producer

import (
	"context"
	"sort"
	"sync"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/plan"
)

// Status is the outcome of a handler invocation or of one produced artifact.
type Status string

const (
	// StatusSucceeded marks a fully produced result.
	StatusSucceeded Status = "succeeded"
	// StatusFailed marks a failed result.
	StatusFailed Status = "failed"
)

type (
	// Handler executes jobs for one provider. Implementations must be safe
	// for concurrent Invoke calls.
	Handler interface {
		// WarmStart validates credentials and configuration. It is called
		// once per build before the first layer and must be idempotent.
		WarmStart(ctx context.Context) error

		// Invoke executes one job. Implementations may block on remote I/O;
		// they must honor ctx cancellation. Failures that should be retried
		// or surfaced with structure return an *Error.
		Invoke(ctx context.Context, req ProduceRequest) (ProduceResult, error)
	}

	// ProduceRequest is the sealed job handed to a handler.
	ProduceRequest struct {
		JobID      build.JobID
		Provider   string
		Model      string
		Revision   string
		LayerIndex int
		// Attempt counts invocations of this job, starting at 1.
		Attempt int
		// Inputs and Produces list the canonical IDs the job consumes and
		// emits.
		Inputs   []string
		Produces []build.ArtifactID
		// Context is the planner-sealed job context: bindings, conditions,
		// fan-in, payload mappings, schema references, resolved literals.
		Context plan.Context
		// Resolved maps binding slots to their materialized values: literal
		// inputs and fetched upstream artifacts.
		Resolved map[string]build.Value
		// Sequences maps fan-in slots to restartable member walks. Members
		// whose producing jobs were skipped are absent from the walk.
		Sequences map[string]*build.FanInSequence
	}

	// ProduceResult is the handler's outcome. Every expected artifact the
	// handler omits is recorded as failed with reason missing_output.
	ProduceResult struct {
		Status      Status
		Artifacts   []Artifact
		Diagnostics string
	}

	// Artifact is one produced output.
	Artifact struct {
		ArtifactID  build.ArtifactID
		Status      Status
		Blob        *Blob
		Diagnostics string
	}

	// Blob is inline artifact content; the executor persists it to the
	// content-addressed store.
	Blob struct {
		Data     []byte
		MimeType string
	}

	// Registry maps provider names to handlers.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a provider name to its handler, replacing any previous
// binding.
func (r *Registry) Register(provider string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[provider] = h
}

// Lookup returns the handler for the provider.
func (r *Registry) Lookup(provider string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[provider]
	return h, ok
}

// Providers returns the registered provider names sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
