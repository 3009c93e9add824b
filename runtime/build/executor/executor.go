// Package executor drives a plan against the artifact store. Layers run in
// order behind a barrier; within a layer at most Concurrency jobs are in
// flight. Each job is gated by its conditions, resolves its inputs from the
// manifest, invokes its provider handler with retries, validates and
// persists every produced leaf, and folds artifact events into the manifest.
// The manifest is saved once, at the end of the run, under optimistic
// concurrency.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/plan"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/store"
	"goa.design/reel/runtime/build/telemetry"
)

// FailureMode selects how the run reacts to job failures.
type FailureMode string

const (
	// FailFast cancels in-flight siblings on the first failure.
	FailFast FailureMode = "fail-fast"
	// BestEffort lets the current layer finish, then stops at the barrier.
	BestEffort FailureMode = "best-effort"
)

// JobStatus is the terminal status of one executed job.
type JobStatus string

const (
	// JobSucceeded marks a job whose every produce persisted.
	JobSucceeded JobStatus = "succeeded"
	// JobFailed marks a job with at least one failed produce.
	JobFailed JobStatus = "failed"
	// JobSkipped marks a job gated off by its conditions.
	JobSkipped JobStatus = "skipped"
)

type (
	// Options tune the executor. Zero values take defaults.
	Options struct {
		// Concurrency caps jobs in flight per layer. Defaults to 1.
		Concurrency int
		// FailureMode defaults to BestEffort.
		FailureMode FailureMode
		// Retry bounds handler retries. Defaults to producer.DefaultRetryPolicy.
		Retry producer.RetryPolicy
		// Grace bounds the final manifest save after cancellation. Defaults
		// to 5s.
		Grace time.Duration

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Executor runs plans. Safe for sequential reuse; a single Run may not
	// be invoked concurrently with itself on the same receiver state.
	Executor struct {
		store    store.Store
		handlers *producer.Registry
		g        *graph.Graph
		opts     Options
	}

	// JobResult is the outcome of one job.
	JobResult struct {
		JobID    build.JobID `json:"jobId"`
		Status   JobStatus   `json:"status"`
		Reason   string      `json:"reason,omitempty"`
		Attempts int         `json:"attempts"`
	}

	// Summary is the terminal report of a run.
	Summary struct {
		Revision     string      `json:"revision"`
		Status       JobStatus   `json:"status"`
		Succeeded    int         `json:"succeeded"`
		Failed       int         `json:"failed"`
		Skipped      int         `json:"skipped"`
		Jobs         []JobResult `json:"jobs"`
		ManifestHash string      `json:"manifestHash"`
	}
)

// New returns an executor over the store, handler registry, and compiled
// graph.
func New(s store.Store, handlers *producer.Registry, g *graph.Graph, opts Options) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.FailureMode == "" {
		opts.FailureMode = BestEffort
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = producer.DefaultRetryPolicy()
	}
	if opts.Grace == 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Executor{store: s, handlers: handlers, g: g, opts: opts}
}

var errLayerFailed = errors.New("layer failed")

// Run executes the plan. priorHash is the manifest hash the plan was built
// against; the final save fails with store.ErrConflict when another writer
// advanced the manifest meanwhile.
func (e *Executor) Run(ctx context.Context, res *plan.Result, priorHash string) (*Summary, error) {
	state := newRunState(res.NextManifest)
	revision := res.Plan.TargetRevision
	summary := &Summary{Revision: revision, Status: JobSucceeded}

	ctx, span := e.opts.Tracer.Start(ctx, "build.run")
	defer span.End()

	if err := e.warmStart(ctx, res.Plan); err != nil {
		return nil, err
	}
	if err := e.applyReplacements(ctx, state, res.Replacements, revision); err != nil {
		return nil, err
	}

	for i, layer := range res.Plan.Layers {
		start := time.Now()
		results := make([]JobResult, len(layer))

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(e.opts.Concurrency)
		for j, job := range layer {
			j, job := j, job
			eg.Go(func() error {
				results[j] = e.runJob(gctx, state, job, revision)
				if results[j].Status == JobFailed && e.opts.FailureMode == FailFast {
					return errLayerFailed
				}
				return nil
			})
		}
		err := eg.Wait()
		if err != nil && !errors.Is(err, errLayerFailed) {
			return nil, err
		}

		failed := 0
		for _, r := range results {
			summary.Jobs = append(summary.Jobs, r)
			switch r.Status {
			case JobSucceeded:
				summary.Succeeded++
			case JobSkipped:
				summary.Skipped++
			case JobFailed:
				summary.Failed++
				failed++
			}
		}
		e.opts.Metrics.RecordTimer("build_layer_duration", time.Since(start), "layer", fmt.Sprint(i))
		if failed > 0 || ctx.Err() != nil {
			e.opts.Logger.Warn(ctx, "stopping at layer barrier", "layer", i, "failed", failed)
			break
		}
	}

	if summary.Failed > 0 {
		summary.Status = JobFailed
	}

	// The manifest still persists after cancellation, within the grace
	// budget.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.opts.Grace)
		defer cancel()
	}
	hash, err := e.store.SaveManifest(saveCtx, state.manifest, priorHash)
	if err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	summary.ManifestHash = hash
	e.opts.Logger.Info(ctx, "build finished",
		"revision", revision,
		"status", string(summary.Status),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	return summary, nil
}

// warmStart validates every distinct handler the plan uses, once, before the
// first layer.
func (e *Executor) warmStart(ctx context.Context, p *plan.Plan) error {
	seen := make(map[string]bool)
	for _, job := range p.Jobs() {
		if seen[job.Provider] {
			continue
		}
		seen[job.Provider] = true
		h, ok := e.handlers.Lookup(job.Provider)
		if !ok {
			return fmt.Errorf("no handler registered for provider %q", job.Provider)
		}
		if err := h.WarmStart(ctx); err != nil {
			return fmt.Errorf("warm start %s: %w", job.Provider, err)
		}
	}
	return nil
}

// applyReplacements persists override values and folds their events into the
// manifest before any job runs. The prior inputs hash is retained so the
// overridden leaf's producer stays clean on the next plan.
func (e *Executor) applyReplacements(ctx context.Context, state *runState, reps []plan.Override, revision string) error {
	for _, rep := range reps {
		data := rep.Value.Bytes()
		if data == nil {
			data = []byte(rep.Value.Text())
		}
		ref, err := e.store.PutBlob(ctx, data, rep.Value.MimeType())
		if err != nil {
			return fmt.Errorf("persist override %s: %w", rep.ArtifactID, err)
		}
		ev := store.ArtifactEvent{
			ArtifactID: rep.ArtifactID,
			Revision:   revision,
			Status:     store.StatusSucceeded,
			Reason:     "override",
			CreatedAt:  time.Now().UTC(),
			Blob:       &ref,
		}
		if prev, ok := state.lookup(rep.ArtifactID); ok {
			ev.InputsHash = prev.InputsHash
		}
		if err := e.appendEvent(ctx, state, ev); err != nil {
			return err
		}
		e.opts.Logger.Info(ctx, "leaf overridden", "artefact", string(rep.ArtifactID))
	}
	return nil
}

func (e *Executor) runJob(ctx context.Context, state *runState, job *plan.Job, revision string) JobResult {
	log := e.opts.Logger
	if ctx.Err() != nil {
		e.failJob(ctx, state, job, revision, "cancelled", nil)
		return JobResult{JobID: job.JobID, Status: JobFailed, Reason: "cancelled"}
	}

	ctx, span := e.opts.Tracer.Start(ctx, "build.job")
	defer span.End()

	hold, err := e.evalConditions(ctx, state, job)
	if err != nil {
		e.failJob(ctx, state, job, revision, "condition_error", []string{err.Error()})
		return JobResult{JobID: job.JobID, Status: JobFailed, Reason: "condition_error"}
	}
	if !hold {
		now := time.Now().UTC()
		for _, id := range job.Produces {
			_ = e.appendEvent(ctx, state, store.ArtifactEvent{
				ArtifactID: id,
				Revision:   revision,
				InputsHash: job.InputsHash,
				Status:     store.StatusSkipped,
				Reason:     "condition_not_met",
				ProducedBy: job.JobID,
				CreatedAt:  now,
			})
		}
		log.Debug(ctx, "job skipped", "job", string(job.JobID))
		return JobResult{JobID: job.JobID, Status: JobSkipped, Reason: "condition_not_met"}
	}

	req, err := e.buildRequest(ctx, state, job, revision)
	if err != nil {
		e.failJob(ctx, state, job, revision, "missing_input", []string{err.Error()})
		return JobResult{JobID: job.JobID, Status: JobFailed, Reason: "missing_input"}
	}

	h, _ := e.handlers.Lookup(job.Provider)
	var pres producer.ProduceResult
	attempts := 0
	invokeErr := producer.Retry(ctx, e.opts.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt
		req.Attempt = attempt
		var err error
		pres, err = h.Invoke(ctx, req)
		if err != nil {
			e.opts.Metrics.IncCounter("build_job_retries", 1, "provider", job.Provider)
		}
		return err
	})
	if invokeErr != nil {
		reason := "provider_error"
		if ctx.Err() != nil {
			reason = "cancelled"
		} else if pe, ok := producer.AsError(invokeErr); ok {
			reason = string(pe.Kind())
		}
		e.failJob(ctx, state, job, revision, reason, []string{invokeErr.Error()})
		log.Error(ctx, "job failed", "job", string(job.JobID), "reason", reason, "err", invokeErr.Error())
		return JobResult{JobID: job.JobID, Status: JobFailed, Reason: reason, Attempts: attempts}
	}

	status, reason := e.persistOutputs(ctx, state, job, revision, pres)
	if status == JobSucceeded {
		log.Debug(ctx, "job succeeded", "job", string(job.JobID), "attempts", attempts)
	}
	e.opts.Metrics.IncCounter("build_jobs_total", 1, "status", string(status), "provider", job.Provider)
	return JobResult{JobID: job.JobID, Status: status, Reason: reason, Attempts: attempts}
}

// persistOutputs validates and stores every expected leaf from the handler
// result. A missing or blob-less expected leaf records failed with reason
// missing_output.
func (e *Executor) persistOutputs(ctx context.Context, state *runState, job *plan.Job, revision string, pres producer.ProduceResult) (JobStatus, string) {
	byID := make(map[build.ArtifactID]producer.Artifact, len(pres.Artifacts))
	for _, a := range pres.Artifacts {
		byID[a.ArtifactID] = a
	}
	now := time.Now().UTC()
	status, reason := JobSucceeded, ""
	for _, id := range job.Produces {
		ev := store.ArtifactEvent{
			ArtifactID: id,
			Revision:   revision,
			InputsHash: job.InputsHash,
			ProducedBy: job.JobID,
			CreatedAt:  now,
		}
		a, ok := byID[id]
		switch {
		case !ok || (a.Status == producer.StatusSucceeded && a.Blob == nil):
			ev.Status, ev.Reason = store.StatusFailed, "missing_output"
		case a.Status != producer.StatusSucceeded:
			ev.Status, ev.Reason = store.StatusFailed, "producer_failed"
			if a.Diagnostics != "" {
				ev.Diagnostics = []string{a.Diagnostics}
			}
		default:
			if err := e.validateBlob(id, a.Blob); err != nil {
				ev.Status, ev.Reason = store.StatusFailed, "schema_validation"
				ev.Diagnostics = []string{err.Error()}
				break
			}
			ref, err := e.store.PutBlob(ctx, a.Blob.Data, a.Blob.MimeType)
			if err != nil {
				ev.Status, ev.Reason = store.StatusFailed, "store_error"
				ev.Diagnostics = []string{err.Error()}
				break
			}
			ev.Status, ev.Blob = store.StatusSucceeded, &ref
			e.opts.Metrics.IncCounter("build_blob_bytes", float64(ref.Size), "provider", job.Provider)
		}
		if ev.Status == store.StatusFailed && status == JobSucceeded {
			status, reason = JobFailed, ev.Reason
		}
		_ = e.appendEvent(ctx, state, ev)
	}
	return status, reason
}

// validateBlob checks JSON leaves against their declared schema before
// persistence.
func (e *Executor) validateBlob(id build.ArtifactID, blob *producer.Blob) error {
	if blob.MimeType != "application/json" {
		return nil
	}
	ref, err := build.ParseRef(string(id))
	if err != nil {
		return nil
	}
	v, ok := e.g.Virtual[build.NewArtifactID(ref.Owner, ref.Rest)]
	if !ok {
		return nil
	}
	compiled, err := v.Schema.Compile()
	if err != nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(blob.Data, &doc); err != nil {
		return fmt.Errorf("artefact %s: invalid JSON: %w", id, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("artefact %s: %w", id, err)
	}
	return nil
}

// failJob records failed events for every produce of the job.
func (e *Executor) failJob(ctx context.Context, state *runState, job *plan.Job, revision, reason string, diags []string) {
	now := time.Now().UTC()
	for _, id := range job.Produces {
		_ = e.appendEvent(ctx, state, store.ArtifactEvent{
			ArtifactID:  id,
			Revision:    revision,
			InputsHash:  job.InputsHash,
			Status:      store.StatusFailed,
			Reason:      reason,
			ProducedBy:  job.JobID,
			CreatedAt:   now,
			Diagnostics: diags,
		})
	}
}

// appendEvent writes the event to the append-only log and folds it into the
// run's manifest.
func (e *Executor) appendEvent(ctx context.Context, state *runState, ev store.ArtifactEvent) error {
	if err := e.store.AppendArtifactEvent(ctx, ev); err != nil {
		e.opts.Logger.Error(ctx, "append artefact event", "artefact", string(ev.ArtifactID), "err", err.Error())
		return err
	}
	state.apply(ev)
	return nil
}
