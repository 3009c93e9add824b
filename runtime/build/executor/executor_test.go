package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/producer/simulated"
	"goa.design/reel/runtime/build/schema"
	"goa.design/reel/runtime/build/store"
	"goa.design/reel/runtime/build/store/disk"
)

type stubHandler struct {
	invoke func(ctx context.Context, req producer.ProduceRequest) (producer.ProduceResult, error)
}

func (s *stubHandler) WarmStart(context.Context) error { return nil }

func (s *stubHandler) Invoke(ctx context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
	return s.invoke(ctx, req)
}

// textResult produces every expected leaf as plain text.
func textResult(req producer.ProduceRequest, text func(build.ArtifactID) string) producer.ProduceResult {
	res := producer.ProduceResult{Status: producer.StatusSucceeded}
	for _, id := range req.Produces {
		res.Artifacts = append(res.Artifacts, producer.Artifact{
			ArtifactID: id,
			Status:     producer.StatusSucceeded,
			Blob:       &producer.Blob{Data: []byte(text(id)), MimeType: "text/plain"},
		})
	}
	return res
}

func buildGraph(t *testing.T, tree *blueprint.Tree, docs map[string]string) *graph.Graph {
	t.Helper()
	schemas := make(map[string]*schema.Schema, len(docs))
	for ref, doc := range docs {
		s, err := schema.Parse([]byte(doc))
		require.NoError(t, err)
		schemas[ref] = s
	}
	g, err := graph.Build(tree, func(ref string) (*schema.Schema, error) {
		s, ok := schemas[ref]
		if !ok {
			return nil, fmt.Errorf("unknown schema %q", ref)
		}
		return s, nil
	})
	require.NoError(t, err)
	return g
}

func chainGraph(t *testing.T) *graph.Graph {
	t.Helper()
	tree := &blueprint.Tree{
		Meta: blueprint.Meta{ID: "movie-1", Name: "chain", Kind: blueprint.KindBlueprint},
		Inputs: []blueprint.InputDecl{
			{Name: "Topic", Type: blueprint.TypeString, Required: true},
		},
		Producers: []blueprint.ProducerDecl{
			{Alias: "DocProducer", Provider: "anthropic", Model: "doc-model", OutputSchemaRef: "doc"},
			{
				Alias: "ImageProducer", Provider: "openai", Model: "img-model",
				OutputSchemaRef: "image",
				Loops:           []blueprint.LoopDim{{Over: "DocProducer.Segments"}},
			},
			{Alias: "TimelineComposer", Provider: "local", Model: "compose", OutputSchemaRef: "timeline"},
		},
		Connections: []blueprint.Connection{
			{Consumer: "DocProducer.Topic", Source: "Input:Topic"},
			{Consumer: "ImageProducer.Prompt", Source: "DocProducer.Segments.ImagePrompt"},
			{Consumer: "TimelineComposer.Images", Source: "ImageProducer.Image"},
			{Consumer: "TimelineComposer.Doc", Source: "DocProducer.Title"},
		},
	}
	return buildGraph(t, tree, map[string]string{
		"doc": `{
			"type": "object",
			"properties": {
				"Title": {"type": "string"},
				"Segments": {
					"type": "array", "minItems": 3, "maxItems": 3,
					"items": {
						"type": "object",
						"properties": {
							"Text": {"type": "text"},
							"ImagePrompt": {"type": "string"}
						}
					}
				}
			}
		}`,
		"image":    `{"type": "object", "properties": {"Image": {"type": "image"}}}`,
		"timeline": `{"type": "object", "properties": {"Timeline": {"type": "json"}}}`,
	})
}

func simulatedRegistry(g *graph.Graph, providers ...string) *producer.Registry {
	reg := producer.NewRegistry()
	sim := simulated.New(g)
	for _, p := range providers {
		reg.Register(p, sim)
	}
	return reg
}

func planChain(t *testing.T, g *graph.Graph, prior *store.Manifest, opts plan.Options) *plan.Result {
	t.Helper()
	opts.Revision = "rev-test"
	res, err := plan.Compute(g, plan.Inputs{"Topic": "volcanoes"}, prior, opts)
	require.NoError(t, err)
	return res
}

func TestRunLinearChainEndToEnd(t *testing.T) {
	t.Parallel()

	g := chainGraph(t)
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)
	reg := simulatedRegistry(g, "anthropic", "openai", "local")

	res := planChain(t, g, nil, plan.DefaultOptions())
	exec := New(s, reg, g, Options{Concurrency: 4})

	summary, err := exec.Run(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, summary.Status)
	require.Equal(t, 5, summary.Succeeded)
	require.Zero(t, summary.Failed)
	require.NotEmpty(t, summary.ManifestHash)

	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, summary.ManifestHash, m.ManifestHash)
	require.Len(t, m.Artifacts, 11)
	for id, ev := range m.Artifacts {
		require.Equal(t, store.StatusSucceeded, ev.Status, "artefact %s", id)
		require.NotNil(t, ev.Blob)
		data, err := s.GetBlob(context.Background(), *ev.Blob)
		require.NoError(t, err)
		require.NotEmpty(t, data)
	}

	// Replanning against the saved manifest is a no-op.
	replan := planChain(t, g, m, plan.DefaultOptions())
	require.Zero(t, replan.Plan.JobCount())
}

func TestRunConditionalSkip(t *testing.T) {
	t.Parallel()

	tree := &blueprint.Tree{
		Meta: blueprint.Meta{ID: "movie-2", Name: "gated", Kind: blueprint.KindBlueprint},
		Producers: []blueprint.ProducerDecl{
			{Alias: "GateProducer", Provider: "stub", Model: "m", OutputSchemaRef: "gate"},
			{
				Alias: "VariantA", Provider: "stub", Model: "m", OutputSchemaRef: "out",
				Condition: &blueprint.Condition{When: &blueprint.When{Path: "GateProducer.Mode", Op: blueprint.OpEquals, Value: "a"}},
			},
			{
				Alias: "VariantB", Provider: "stub", Model: "m", OutputSchemaRef: "out",
				Condition: &blueprint.Condition{When: &blueprint.When{Path: "GateProducer.Mode", Op: blueprint.OpEquals, Value: "b"}},
			},
			{
				Alias: "VariantC", Provider: "stub", Model: "m", OutputSchemaRef: "out",
				Condition: &blueprint.Condition{When: &blueprint.When{Path: "GateProducer.Mode", Op: blueprint.OpEquals, Value: "c"}},
			},
		},
	}
	g := buildGraph(t, tree, map[string]string{
		"gate": `{"type": "object", "properties": {"Mode": {"type": "string"}}}`,
		"out":  `{"type": "object", "properties": {"Out": {"type": "text"}}}`,
	})
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)

	reg := producer.NewRegistry()
	reg.Register("stub", &stubHandler{invoke: func(_ context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
		return textResult(req, func(id build.ArtifactID) string {
			if id == "Artifact:GateProducer.Mode" {
				return "b"
			}
			return "variant output"
		}), nil
	}})

	res, err := plan.Compute(g, nil, nil, plan.Options{Revision: "rev-test", UpToLayer: -1, ReRunFrom: -1})
	require.NoError(t, err)

	summary, err := New(s, reg, g, Options{Concurrency: 3}).Run(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, summary.Status)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 2, summary.Skipped)

	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.StatusSkipped, m.Artifacts["Artifact:VariantA.Out"].Status)
	require.Equal(t, store.StatusSucceeded, m.Artifacts["Artifact:VariantB.Out"].Status)
	require.Equal(t, store.StatusSkipped, m.Artifacts["Artifact:VariantC.Out"].Status)
	require.Equal(t, "condition_not_met", m.Artifacts["Artifact:VariantA.Out"].Reason)
}

func TestRunLeafOverrideReplacesAndReruns(t *testing.T) {
	t.Parallel()

	g := chainGraph(t)
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)
	reg := simulatedRegistry(g, "anthropic", "openai", "local")
	exec := New(s, reg, g, Options{Concurrency: 4})

	res := planChain(t, g, nil, plan.DefaultOptions())
	_, err = exec.Run(context.Background(), res, "")
	require.NoError(t, err)

	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	opts := plan.DefaultOptions()
	opts.Overrides = map[string]build.Value{
		"Artifact:DocProducer.Segments[0].ImagePrompt": build.StringValue("a calmer sky"),
	}
	rerun := planChain(t, g, m, opts)
	require.Equal(t, 2, rerun.Plan.JobCount())

	summary, err := exec.Run(context.Background(), rerun, m.ManifestHash)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, summary.Status)

	m2, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	ev := m2.Artifacts["Artifact:DocProducer.Segments[0].ImagePrompt"]
	require.Equal(t, "override", ev.Reason)
	data, err := s.GetBlob(context.Background(), *ev.Blob)
	require.NoError(t, err)
	require.Equal(t, "a calmer sky", string(data))
	require.Equal(t, m.ManifestHash, m2.PreviousHash)
}

func TestRunBestEffortStopsAtBarrier(t *testing.T) {
	t.Parallel()

	g := chainGraph(t)
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)

	sim := simulated.New(g)
	reg := producer.NewRegistry()
	reg.Register("anthropic", sim)
	reg.Register("local", sim)
	reg.Register("openai", &stubHandler{invoke: func(_ context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
		if req.JobID == "Producer:ImageProducer[1]" {
			return producer.ProduceResult{}, producer.NewError("openai", "invoke",
				producer.ErrorKindUnknown, "boom", false, nil)
		}
		return textResult(req, func(build.ArtifactID) string { return "img" }), nil
	}})

	res := planChain(t, g, nil, plan.DefaultOptions())
	summary, err := New(s, reg, g, Options{Concurrency: 4, FailureMode: BestEffort}).
		Run(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, JobFailed, summary.Status)
	require.Equal(t, 1, summary.Failed)
	// Siblings in the layer finish; the next layer never starts.
	require.Equal(t, 3, summary.Succeeded)
	require.Len(t, summary.Jobs, 4)

	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	failed := m.Artifacts["Artifact:ImageProducer[1].Image"]
	require.Equal(t, store.StatusFailed, failed.Status)
	require.Equal(t, "unknown", failed.Reason)
	_, ok := m.Artifacts["Artifact:TimelineComposer.Timeline"]
	require.False(t, ok)
}

func TestRunRetriesRetryableFailures(t *testing.T) {
	t.Parallel()

	tree := &blueprint.Tree{
		Producers: []blueprint.ProducerDecl{
			{Alias: "Flaky", Provider: "stub", Model: "m", OutputSchemaRef: "out"},
		},
	}
	g := buildGraph(t, tree, map[string]string{
		"out": `{"type": "object", "properties": {"Out": {"type": "text"}}}`,
	})
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)

	calls := 0
	reg := producer.NewRegistry()
	reg.Register("stub", &stubHandler{invoke: func(_ context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
		calls++
		if calls < 3 {
			return producer.ProduceResult{}, producer.NewError("stub", "invoke",
				producer.ErrorKindRateLimited, "throttled", true, nil)
		}
		return textResult(req, func(build.ArtifactID) string { return "done" }), nil
	}})

	res, err := plan.Compute(g, nil, nil, plan.Options{Revision: "rev-test", UpToLayer: -1, ReRunFrom: -1})
	require.NoError(t, err)

	opts := Options{Retry: producer.RetryPolicy{MaxAttempts: 3, BaseDelay: 1}}
	summary, err := New(s, reg, g, opts).Run(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, summary.Status)
	require.Equal(t, 3, summary.Jobs[0].Attempts)
}

func TestRunRecordsMissingOutput(t *testing.T) {
	t.Parallel()

	tree := &blueprint.Tree{
		Producers: []blueprint.ProducerDecl{
			{Alias: "Hollow", Provider: "stub", Model: "m", OutputSchemaRef: "out"},
		},
	}
	g := buildGraph(t, tree, map[string]string{
		"out": `{"type": "object", "properties": {"Out": {"type": "text"}}}`,
	})
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)

	reg := producer.NewRegistry()
	reg.Register("stub", &stubHandler{invoke: func(context.Context, producer.ProduceRequest) (producer.ProduceResult, error) {
		return producer.ProduceResult{Status: producer.StatusSucceeded}, nil
	}})

	res, err := plan.Compute(g, nil, nil, plan.Options{Revision: "rev-test", UpToLayer: -1, ReRunFrom: -1})
	require.NoError(t, err)

	summary, err := New(s, reg, g, Options{}).Run(context.Background(), res, "")
	require.NoError(t, err)
	require.Equal(t, JobFailed, summary.Status)

	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "missing_output", m.Artifacts["Artifact:Hollow.Out"].Reason)
}

func TestRunCancelledContextRecordsCancelledJobs(t *testing.T) {
	t.Parallel()

	g := chainGraph(t)
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)
	reg := simulatedRegistry(g, "anthropic", "openai", "local")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := planChain(t, g, nil, plan.DefaultOptions())
	summary, err := New(s, reg, g, Options{}).Run(ctx, res, "")
	require.NoError(t, err)
	require.Equal(t, JobFailed, summary.Status)
	require.Equal(t, "cancelled", summary.Jobs[0].Reason)

	// The manifest still persisted under the grace budget.
	m, err := s.LoadManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, summary.ManifestHash, m.ManifestHash)
}

func TestRunMissingHandlerFails(t *testing.T) {
	t.Parallel()

	g := chainGraph(t)
	s, err := disk.Open(t.TempDir())
	require.NoError(t, err)

	res := planChain(t, g, nil, plan.DefaultOptions())
	_, err = New(s, producer.NewRegistry(), g, Options{}).Run(context.Background(), res, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no handler registered")
}
