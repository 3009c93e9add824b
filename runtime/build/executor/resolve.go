package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/store"
)

// runState guards the in-flight manifest. Jobs within a layer mutate it
// concurrently; every mutation goes through apply.
type runState struct {
	mu       sync.Mutex
	manifest *store.Manifest
}

func newRunState(m *store.Manifest) *runState {
	if m == nil {
		m = store.NewManifest()
	}
	return &runState{manifest: m}
}

func (s *runState) apply(ev store.ArtifactEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.Apply(ev)
}

func (s *runState) lookup(id build.ArtifactID) (store.ArtifactEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.manifest.Artifacts[id]
	return ev, ok
}

func (s *runState) input(id build.InputID) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.manifest.Inputs[id]
	return raw, ok
}

// evalConditions reports whether every gate of the job holds. An absent or
// skipped upstream artifact reads as having no value: empty holds, notEmpty
// and equals do not.
func (e *Executor) evalConditions(ctx context.Context, state *runState, job *plan.Job) (bool, error) {
	for _, cond := range job.Context.InputConditions {
		ok, err := cond.Eval(func(path string) (build.Value, bool, error) {
			return e.conditionValue(ctx, state, path)
		})
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Executor) conditionValue(ctx context.Context, state *runState, path string) (build.Value, bool, error) {
	parsed, err := build.ParsePath(path)
	if err != nil || len(parsed) < 2 {
		return build.Value{}, false, fmt.Errorf("condition path %q must be <Alias>.<path>", path)
	}
	id := build.NewArtifactID(parsed[0].Field, build.Path(parsed[1:]))
	ev, ok := state.lookup(id)
	if !ok || ev.Status != store.StatusSucceeded {
		return build.Value{}, false, nil
	}
	v, err := e.blobValue(ctx, ev)
	if err != nil {
		return build.Value{}, false, err
	}
	return v, true, nil
}

// buildRequest resolves the job's bindings and fan-in sequences into a
// sealed handler request.
func (e *Executor) buildRequest(ctx context.Context, state *runState, job *plan.Job, revision string) (producer.ProduceRequest, error) {
	req := producer.ProduceRequest{
		JobID:      job.JobID,
		Provider:   job.Provider,
		Model:      job.Model,
		Revision:   revision,
		LayerIndex: job.LayerIndex,
		Inputs:     job.Inputs,
		Produces:   job.Produces,
		Context:    job.Context,
		Resolved:   make(map[string]build.Value, len(job.Context.InputBindings)),
	}
	for slot, raw := range job.Context.InputBindings {
		v, err := e.resolveBinding(ctx, state, raw)
		if err != nil {
			return producer.ProduceRequest{}, fmt.Errorf("input %q: %w", slot, err)
		}
		req.Resolved[slot] = v
	}
	if len(job.Context.FanIn) > 0 {
		req.Sequences = make(map[string]*build.FanInSequence, len(job.Context.FanIn))
		for slot, fi := range job.Context.FanIn {
			var members []build.ArtifactID
			for _, m := range fi.Members {
				id := build.ArtifactID(m.ID)
				if ev, ok := state.lookup(id); ok && ev.Status == store.StatusSucceeded {
					members = append(members, id)
				}
			}
			req.Sequences[slot] = build.NewFanInSequence(members, e.resolver(state))
		}
	}
	return req, nil
}

func (e *Executor) resolveBinding(ctx context.Context, state *runState, raw string) (build.Value, error) {
	ref, err := build.ParseRef(raw)
	if err != nil {
		return build.Value{}, err
	}
	if ref.Kind == build.KindInput {
		data, ok := state.input(build.NewInputID(ref.Owner))
		if !ok {
			return build.Value{}, fmt.Errorf("input %q not in manifest snapshot", ref.Owner)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return build.Value{}, fmt.Errorf("decode input %q: %w", ref.Owner, err)
		}
		for _, ix := range ref.Dims {
			n, ok := ix.Ordinal()
			if !ok {
				return build.Value{}, fmt.Errorf("input %s: named index %s", raw, ix)
			}
			arr, ok := doc.([]any)
			if !ok || n >= len(arr) {
				return build.Value{}, fmt.Errorf("input %s: index %d out of bounds", raw, n)
			}
			doc = arr[n]
		}
		if s, ok := doc.(string); ok {
			return build.StringValue(s), nil
		}
		return build.JSONValue(doc), nil
	}
	return e.resolver(state)(ctx, build.ArtifactID(raw))
}

// resolver adapts the run state to the value resolution contract: only
// succeeded artifacts resolve.
func (e *Executor) resolver(state *runState) build.Resolver {
	return func(ctx context.Context, id build.ArtifactID) (build.Value, error) {
		ev, ok := state.lookup(id)
		if !ok {
			return build.Value{}, fmt.Errorf("artefact %s: %w", id, store.ErrNotFound)
		}
		if ev.Status != store.StatusSucceeded {
			return build.Value{}, fmt.Errorf("artefact %s is %s", id, ev.Status)
		}
		return e.blobValue(ctx, ev)
	}
}

// blobValue fetches the event's blob and decodes it by MIME type.
func (e *Executor) blobValue(ctx context.Context, ev store.ArtifactEvent) (build.Value, error) {
	if ev.Blob == nil {
		return build.Value{}, fmt.Errorf("artefact %s has no blob", ev.ArtifactID)
	}
	data, err := e.store.GetBlob(ctx, *ev.Blob)
	if err != nil {
		return build.Value{}, err
	}
	switch {
	case ev.Blob.MimeType == "application/json":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return build.Value{}, fmt.Errorf("decode artefact %s: %w", ev.ArtifactID, err)
		}
		return build.JSONValue(doc), nil
	case strings.HasPrefix(ev.Blob.MimeType, "text/"):
		return build.StringValue(string(data)), nil
	default:
		return build.BytesValue(data, ev.Blob.MimeType), nil
	}
}
