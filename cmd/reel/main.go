// Command reel runs a build for one movie: it loads the configuration and the
// blueprint document, resolves the declared schemas from disk, and drives the
// build through the orchestrator. Inputs are supplied with repeated -input
// flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/clue/log"

	"goa.design/reel"
	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/config"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/schema"
	"goa.design/reel/runtime/build/telemetry"
)

// inputFlags collects repeated -input name=value flags. Values parse as JSON
// when they can, otherwise they pass through as strings.
type inputFlags map[string]any

func (f inputFlags) String() string { return fmt.Sprint(map[string]any(f)) }

func (f inputFlags) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	f[name] = v
	return nil
}

// overrideFlags collects repeated -override id=value flags keyed by canonical
// leaf artifact ID. Values parse as JSON when they can, otherwise they pass
// through as strings.
type overrideFlags map[string]build.Value

func (f overrideFlags) String() string { return fmt.Sprint(map[string]build.Value(f)) }

func (f overrideFlags) Set(s string) error {
	id, raw, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected artifact-id=value, got %q", s)
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		f[id] = build.StringValue(raw)
		return nil
	}
	f[id] = build.JSONValue(doc)
	return nil
}

func main() {
	var (
		configPath    = flag.String("config", "reel.yml", "configuration file")
		blueprintPath = flag.String("blueprint", "blueprint.json", "blueprint document")
		schemasDir    = flag.String("schemas", "schemas", "directory holding schema documents, one <ref>.json per schema")
		mode          = flag.String("mode", "", "override the configured mode (live or simulated)")
		revision      = flag.String("revision", "", "pin the target revision token")
		target        = flag.String("target", "", "restrict the run to the downstream of one artifact")
		upTo          = flag.Int("up-to-layer", -1, "stop planning past this layer")
		rerunFrom     = flag.Int("rerun-from", -1, "force layers at or past this index to re-run")
		dryRun        = flag.Bool("dry-run", false, "plan without executing")
		costs         = flag.Bool("costs", false, "plan and report per-provider job counts without executing")
		debug         = flag.Bool("debug", false, "enable debug logging")
		inputs        = inputFlags{}
		overrides     = overrideFlags{}
	)
	flag.Var(inputs, "input", "blueprint input as name=value, repeatable")
	flag.Var(overrides, "override", "surgical leaf override as artifact-id=value, repeatable")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configPath, *blueprintPath, *schemasDir, *mode, config.RunOptions{
		Revision:       *revision,
		UpToLayer:      *upTo,
		ReRunFrom:      *rerunFrom,
		TargetArtifact: *target,
		DryRun:         *dryRun,
		CostsOnly:      *costs,
		Overrides:      overrides,
		NonInteractive: true,
	}, plan.Inputs(inputs)); err != nil {
		log.Fatalf(ctx, err, "build failed")
	}
}

func run(ctx context.Context, configPath, blueprintPath, schemasDir, mode string, runOpts config.RunOptions, inputs plan.Inputs) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	tree, err := loadBlueprint(blueprintPath)
	if err != nil {
		return err
	}

	b, err := reel.New(cfg, tree, schemaResolver(schemasDir), reel.Options{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	res, err := b.Build(ctx, inputs, runOpts)
	if err != nil {
		return err
	}

	switch {
	case runOpts.CostsOnly:
		log.Infof(ctx, "planned %d jobs", res.Plan.JobCount())
		for provider, n := range res.Costs {
			log.Infof(ctx, "  %s: %d", provider, n)
		}
	case runOpts.DryRun:
		log.Infof(ctx, "planned %d jobs across %d layers, %d artifacts pending",
			res.Plan.JobCount(), len(res.Plan.Layers), len(res.Pending))
		log.Infof(ctx, "plan saved to %s", res.PlanPath)
	default:
		s := res.Summary
		log.Infof(ctx, "run %s finished: %s (%d succeeded, %d failed, %d skipped)",
			res.RunID, s.Status, s.Succeeded, s.Failed, s.Skipped)
		if s.Failed > 0 {
			return fmt.Errorf("%d jobs failed", s.Failed)
		}
	}
	return nil
}

// loadBlueprint decodes and validates a blueprint document.
func loadBlueprint(path string) (*blueprint.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint %s: %w", path, err)
	}
	var tree blueprint.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse blueprint %s: %w", path, err)
	}
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blueprint %s: %w", path, err)
	}
	return &tree, nil
}

// schemaResolver resolves schema references against <dir>/<ref>.json.
func schemaResolver(dir string) graph.Resolver {
	return func(ref string) (*schema.Schema, error) {
		data, err := os.ReadFile(filepath.Join(dir, ref+".json"))
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", ref, err)
		}
		return schema.Parse(data)
	}
}
