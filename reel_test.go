package reel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/config"
	"goa.design/reel/runtime/build/executor"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/schema"
)

func storyTree() *blueprint.Tree {
	return &blueprint.Tree{
		Meta: blueprint.Meta{ID: "movie-1", Name: "story", Kind: blueprint.KindBlueprint},
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
		},
		Connections: []blueprint.Connection{
			{Consumer: "DocProducer.Topic", Source: "Input:Topic"},
			{Consumer: "ImageProducer.Prompt", Source: "DocProducer.Segments.ImagePrompt"},
		},
	}
}

func storySchemas(t *testing.T) graph.Resolver {
	t.Helper()
	docs := map[string]string{
		"doc": `{
			"type": "object",
			"properties": {
				"Title": {"type": "string"},
				"Segments": {
					"type": "array", "minItems": 2, "maxItems": 2,
					"items": {
						"type": "object",
						"properties": {"ImagePrompt": {"type": "string"}}
					}
				}
			}
		}`,
		"image": `{"type": "object", "properties": {"Image": {"type": "image"}}}`,
	}
	schemas := make(map[string]*schema.Schema, len(docs))
	for ref, doc := range docs {
		s, err := schema.Parse([]byte(doc))
		require.NoError(t, err)
		schemas[ref] = s
	}
	return func(ref string) (*schema.Schema, error) {
		s, ok := schemas[ref]
		if !ok {
			return nil, fmt.Errorf("unknown schema %q", ref)
		}
		return s, nil
	}
}

func simulatedConfig(root string) *config.Config {
	return &config.Config{
		Mode:        config.ModeSimulated,
		Concurrency: 4,
		Storage:     config.StorageConfig{Root: root},
	}
}

func newTestBuilder(t *testing.T, root string) *Builder {
	t.Helper()
	b, err := New(simulatedConfig(root), storyTree(), storySchemas(t), Options{})
	require.NoError(t, err)
	return b
}

func TestBuildSimulatedEndToEnd(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	res, err := b.Build(context.Background(), plan.Inputs{"Topic": "volcanoes"}, config.DefaultRunOptions())
	require.NoError(t, err)

	require.NotEmpty(t, res.RunID)
	require.NotNil(t, res.Summary)
	require.Equal(t, executor.JobSucceeded, res.Summary.Status)
	require.Equal(t, 3, res.Summary.Succeeded)
	require.Zero(t, res.Summary.Failed)

	data, err := os.ReadFile(res.PlanPath)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	m, err := b.Store().LoadManifest(context.Background())
	require.NoError(t, err)
	require.Equal(t, res.Summary.ManifestHash, m.ManifestHash)
}

func TestBuildUnchangedInputsReplanEmpty(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	inputs := plan.Inputs{"Topic": "volcanoes"}

	_, err := b.Build(context.Background(), inputs, config.DefaultRunOptions())
	require.NoError(t, err)

	res, err := b.Build(context.Background(), inputs, config.DefaultRunOptions())
	require.NoError(t, err)
	require.Zero(t, res.Plan.JobCount())
	require.Empty(t, res.Pending)
}

func TestBuildDryRunDoesNotExecute(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	opts := config.DefaultRunOptions()
	opts.DryRun = true

	res, err := b.Build(context.Background(), plan.Inputs{"Topic": "tides"}, opts)
	require.NoError(t, err)
	require.Nil(t, res.Summary)
	require.NotEmpty(t, res.Pending)
	require.FileExists(t, res.PlanPath)

	m, err := b.Store().LoadManifest(context.Background())
	require.NoError(t, err)
	require.Empty(t, m.Artifacts)
}

func TestBuildCostsOnlyCountsJobsPerProvider(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	opts := config.DefaultRunOptions()
	opts.CostsOnly = true

	res, err := b.Build(context.Background(), plan.Inputs{"Topic": "tides"}, opts)
	require.NoError(t, err)
	require.Nil(t, res.Summary)
	require.Equal(t, map[string]int{"anthropic": 1, "openai": 2}, res.Costs)
}

func TestBuildPromptOverrideDirtiesProducer(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	b := newTestBuilder(t, root)
	inputs := plan.Inputs{"Topic": "volcanoes"}

	_, err := b.Build(context.Background(), inputs, config.DefaultRunOptions())
	require.NoError(t, err)

	promptsDir := b.Store().PromptsDir()
	require.NoError(t, os.MkdirAll(promptsDir, 0o755))
	toml := []byte("Style = \"noir\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(promptsDir, "DocProducer.toml"), toml, 0o644))

	res, err := b.Build(context.Background(), inputs, config.DefaultRunOptions())
	require.NoError(t, err)
	require.Equal(t, 3, res.Plan.JobCount())

	job := res.Plan.Layers[0][0]
	resolved, ok := job.Context.Extras["resolvedInputs"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "noir", resolved["Style"])
}

func TestNewLiveModeUnknownProviderFails(t *testing.T) {
	t.Parallel()

	cfg := simulatedConfig(t.TempDir())
	cfg.Mode = config.ModeLive
	tree := storyTree()
	tree.Producers[0].Provider = "local"

	_, err := New(cfg, tree, storySchemas(t), Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "local")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(&config.Config{}, storyTree(), storySchemas(t), Options{})
	require.Error(t, err)
}

func TestBuildLeafOverrideRerunsConsumersOnly(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	inputs := plan.Inputs{"Topic": "volcanoes"}

	_, err := b.Build(context.Background(), inputs, config.DefaultRunOptions())
	require.NoError(t, err)

	const leaf = "Artifact:DocProducer.Segments[0].ImagePrompt"
	opts := config.DefaultRunOptions()
	opts.Overrides = map[string]build.Value{leaf: build.StringValue("a red balloon")}

	res, err := b.Build(context.Background(), inputs, opts)
	require.NoError(t, err)
	require.Equal(t, 1, res.Plan.JobCount())
	require.Equal(t, build.JobID("Producer:ImageProducer[0]"), res.Plan.Jobs()[0].JobID)
	require.Equal(t, executor.JobSucceeded, res.Summary.Status)

	m, err := b.Store().LoadManifest(context.Background())
	require.NoError(t, err)
	ev, ok := m.Artifacts[build.ArtifactID(leaf)]
	require.True(t, ok)
	require.Equal(t, "override", ev.Reason)
	require.NotNil(t, ev.Blob)
	data, err := b.Store().GetBlob(context.Background(), *ev.Blob)
	require.NoError(t, err)
	require.Equal(t, "a red balloon", string(data))
}

func TestBuildStampsInputEvents(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(t, t.TempDir())
	before := time.Now().UTC()

	_, err := b.Build(context.Background(), plan.Inputs{"Topic": "tides"}, config.DefaultRunOptions())
	require.NoError(t, err)

	page, err := b.Store().StreamInputs(context.Background(), "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, page.Events)
	for _, ev := range page.Events {
		require.False(t, ev.CreatedAt.IsZero())
		require.False(t, ev.CreatedAt.Before(before))
	}
}
