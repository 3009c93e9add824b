// Package reel orchestrates whole builds of a movie: it ties the artifact
// store, the compiled producer graph, the planner, the provider registry, and
// the executor together behind one entry point. A Builder is constructed once
// per movie from configuration and a validated blueprint tree; each Build
// call plans against the persisted manifest, saves the plan, and (unless the
// run is plan-only) executes it.
package reel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/reel/features/producer/anthropic"
	"goa.design/reel/features/producer/middleware"
	"goa.design/reel/features/producer/openai"
	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/config"
	"goa.design/reel/runtime/build/executor"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/producer/simulated"
	"goa.design/reel/runtime/build/prompts"
	"goa.design/reel/runtime/build/store"
	"goa.design/reel/runtime/build/store/disk"
	"goa.design/reel/runtime/build/telemetry"
)

type (
	// Options configure a Builder beyond the movie configuration.
	Options struct {
		// Handlers pre-registers provider handlers. In live mode, providers
		// the Builder cannot construct from configuration alone (for
		// example bedrock, which needs an AWS client) must be supplied
		// here.
		Handlers map[string]producer.Handler

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Builder runs builds for one movie.
	Builder struct {
		cfg  *config.Config
		g    *graph.Graph
		st   *disk.Store
		reg  *producer.Registry
		opts Options
	}

	// Result is the outcome of one Build call. Summary is nil for plan-only
	// runs (dry-run and costs-only).
	Result struct {
		// RunID identifies the run; it doubles as the plan's target
		// revision.
		RunID string
		// Plan is the restricted execution plan.
		Plan *plan.Plan
		// Pending lists every artifact the plan would produce or update.
		Pending []build.ArtifactID
		// PlanPath is where the serialized plan was persisted.
		PlanPath string
		// Costs counts planned jobs per provider. Populated for costs-only
		// runs.
		Costs map[string]int
		// Summary reports execution when the plan ran.
		Summary *executor.Summary
	}
)

// New builds a Builder: it opens the movie's disk store, compiles the
// blueprint tree into a producer graph, and assembles the provider registry
// for the configured mode.
func New(cfg *config.Config, tree *blueprint.Tree, resolve graph.Resolver, opts Options) (*Builder, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g, err := graph.Build(tree, resolve)
	if err != nil {
		return nil, err
	}
	st, err := disk.Open(cfg.Storage.MoviePath())
	if err != nil {
		return nil, err
	}
	b := &Builder{cfg: cfg, g: g, st: st, opts: opts}
	if b.opts.Logger == nil {
		b.opts.Logger = telemetry.NewNoopLogger()
	}
	if b.reg, err = b.registry(); err != nil {
		return nil, err
	}
	return b, nil
}

// Graph returns the compiled producer graph.
func (b *Builder) Graph() *graph.Graph { return b.g }

// Store returns the movie's artifact store.
func (b *Builder) Store() *disk.Store { return b.st }

// Build plans one run against the persisted manifest and, unless the run
// options say otherwise, executes it.
func (b *Builder) Build(ctx context.Context, inputs plan.Inputs, runOpts config.RunOptions) (*Result, error) {
	manifest, err := b.st.LoadManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	overrides, err := prompts.LoadDir(b.st.PromptsDir())
	if err != nil {
		return nil, err
	}
	res, err := plan.Compute(b.g, inputs, manifest, plan.Options{
		Revision:        runOpts.Revision,
		UpToLayer:       runOpts.UpToLayer,
		ReRunFrom:       runOpts.ReRunFrom,
		ArtifactID:      runOpts.TargetArtifact,
		Overrides:       runOpts.Overrides,
		PromptOverrides: overrides,
	})
	if err != nil {
		return nil, err
	}
	runID := res.Plan.TargetRevision

	data, err := res.Plan.Marshal()
	if err != nil {
		return nil, err
	}
	planPath, err := b.st.SavePlan(ctx, runID, data)
	if err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	if err := b.recordInputs(ctx, inputs, runID); err != nil {
		return nil, err
	}

	out := &Result{RunID: runID, Plan: res.Plan, Pending: res.Pending, PlanPath: planPath}
	switch {
	case runOpts.CostsOnly:
		out.Costs = make(map[string]int)
		for _, job := range res.Plan.Jobs() {
			out.Costs[job.Provider]++
		}
		return out, nil
	case runOpts.DryRun:
		return out, nil
	}

	logFile, err := b.st.OpenRunLog(runID)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer logFile.Close()

	exec := executor.New(b.st, b.reg, b.g, executor.Options{
		Concurrency: b.cfg.Concurrency,
		FailureMode: b.cfg.FailureMode,
		Logger:      telemetry.NewRunLogger(logFile, b.opts.Logger),
		Metrics:     b.opts.Metrics,
		Tracer:      b.opts.Tracer,
	})
	summary, err := exec.Run(ctx, res, manifest.ManifestHash)
	if err != nil {
		return nil, err
	}
	out.Summary = summary
	return out, nil
}

// recordInputs appends the resolved plan inputs to the input event log.
func (b *Builder) recordInputs(ctx context.Context, inputs plan.Inputs, runID string) error {
	for name, val := range inputs {
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode input %q: %w", name, err)
		}
		err = b.st.AppendInputEvent(ctx, store.InputEvent{
			InputID:   build.NewInputID(name),
			Revision:  runID,
			Value:     raw,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("record input %q: %w", name, err)
		}
	}
	return nil
}

// registry assembles the provider registry: explicit handlers first, then
// mode-dependent defaults for every provider the graph references.
func (b *Builder) registry() (*producer.Registry, error) {
	reg := producer.NewRegistry()
	for name, h := range b.opts.Handlers {
		reg.Register(name, b.limit(name, h))
	}
	sim := simulated.New(b.g)
	for _, prod := range b.g.Producers {
		name := prod.Decl.Provider
		if _, ok := reg.Lookup(name); ok {
			continue
		}
		if b.cfg.Mode == config.ModeSimulated {
			reg.Register(name, sim)
			continue
		}
		h, err := b.liveHandler(name)
		if err != nil {
			return nil, err
		}
		reg.Register(name, b.limit(name, h))
	}
	return reg, nil
}

// liveHandler constructs the built-in live handler for the provider from its
// configuration.
func (b *Builder) liveHandler(name string) (producer.Handler, error) {
	pc := b.cfg.Providers[name]
	key := os.Getenv(pc.APIKeyEnv)
	switch name {
	case anthropic.Name:
		return anthropic.NewFromAPIKey(key, b.g, anthropic.Options{DefaultModel: pc.DefaultModel})
	case openai.Name:
		return openai.NewFromAPIKey(key, b.g, openai.Options{DefaultModel: pc.DefaultModel, ImageModel: pc.ImageModel})
	default:
		return nil, fmt.Errorf("no handler for live provider %q: register one via Options.Handlers", name)
	}
}

// limit wraps the handler with the provider's rate limiter when one is
// configured.
func (b *Builder) limit(name string, h producer.Handler) producer.Handler {
	rpm := b.cfg.Providers[name].RequestsPerMinute
	if rpm <= 0 {
		return h
	}
	return middleware.NewAdaptiveRateLimiter(float64(rpm), float64(rpm)).Middleware()(h)
}
