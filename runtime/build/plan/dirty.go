package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/store"
)

// layer assigns each job the smallest layer strictly greater than every
// dependency's layer. Jobs were expanded in producer topological order, so a
// single forward pass suffices.
func (p *planner) layer() {
	byID := make(map[build.JobID]*jobState, len(p.jobs))
	for _, js := range p.jobs {
		byID[js.job.JobID] = js
	}
	for _, js := range p.jobs {
		layer := 0
		for _, dep := range p.depJobs(js) {
			if dep.job.LayerIndex >= layer {
				layer = dep.job.LayerIndex + 1
			}
		}
		js.job.LayerIndex = layer
	}
}

// depJobs resolves a job's artifact dependencies to their producing jobs.
// Condition references carry no dimension vector; they bind every job of the
// referenced producer.
func (p *planner) depJobs(js *jobState) []*jobState {
	seen := make(map[build.JobID]bool)
	var out []*jobState
	add := func(dep *jobState) {
		if dep != nil && !seen[dep.job.JobID] {
			seen[dep.job.JobID] = true
			out = append(out, dep)
		}
	}
	for _, id := range js.deps {
		if dep, ok := p.producedBy[id]; ok {
			add(dep)
			continue
		}
		ref, err := build.ParseRef(string(id))
		if err != nil {
			continue
		}
		for _, cand := range p.jobs {
			if cand.job.Producer == ref.Owner {
				add(cand)
			}
		}
	}
	return out
}

// hashJobs computes each job's inputs hash: a digest over everything that
// determines its outputs short of upstream artifact content. Map keys
// serialize sorted, so the digest is stable.
func (p *planner) hashJobs() error {
	for _, js := range p.jobs {
		job := js.job
		prod, _ := p.g.Producer(job.Producer)
		var dims string
		for _, ix := range job.dims {
			dims += ix.String()
		}
		payload := map[string]any{
			"producer":   job.Producer,
			"provider":   job.Provider,
			"model":      job.Model,
			"dims":       dims,
			"output":     prod.Output.Fingerprint(),
			"bindings":   job.Context.InputBindings,
			"conditions": job.Context.InputConditions,
			"fanIn":      job.Context.FanIn,
			"mappings":   job.Context.SDKMapping,
		}
		if prod.Input != nil {
			payload["input"] = prod.Input.Fingerprint()
		}
		if job.Context.Extras != nil {
			payload["resolvedInputs"] = job.Context.Extras["resolvedInputs"]
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("hash job %s: %w", job.JobID, err)
		}
		sum := sha256.Sum256(data)
		job.InputsHash = hex.EncodeToString(sum[:])
	}
	return nil
}

// parseOverrides validates the leaf replacements: each key must be a
// canonical artifact identifier addressing a declared output leaf.
func (p *planner) parseOverrides() ([]Override, error) {
	out := make([]Override, 0, len(p.opts.Overrides))
	for raw, val := range p.opts.Overrides {
		ref, err := build.ParseRef(raw)
		if err != nil || ref.Kind != build.KindArtifact {
			return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, raw,
				"override target must be a canonical artifact identifier")
		}
		prod, ok := p.g.Producer(ref.Owner)
		if !ok {
			return nil, build.NewPlanError(build.CodeUnknownProducer, raw,
				"override targets unknown producer %q", ref.Owner)
		}
		found := false
		for _, leaf := range prod.Leaves {
			if samePath(leaf.Path, ref.Rest) {
				found = true
				break
			}
		}
		if !found {
			return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, raw,
				"producer %q declares no leaf at %q", ref.Owner, ref.Rest.String())
		}
		out = append(out, Override{ArtifactID: build.ArtifactID(ref.String()), Value: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out, nil
}

// dirtySet marks the jobs that must run: producers with missing, failed, or
// stale prior artifacts, jobs forced by reRunFrom, consumers of overridden
// leaves, and the downstream closure of all of the above. The artifactId and
// upToLayer options then restrict the set.
func (p *planner) dirtySet(overrides []Override) map[build.JobID]bool {
	consumers := make(map[build.ArtifactID][]*jobState)
	for _, js := range p.jobs {
		for _, id := range js.deps {
			consumers[id] = append(consumers[id], js)
		}
	}

	dirty := make(map[build.JobID]bool)
	var queue []*jobState
	mark := func(js *jobState) {
		if !dirty[js.job.JobID] {
			dirty[js.job.JobID] = true
			queue = append(queue, js)
		}
	}

	for _, js := range p.jobs {
		if p.opts.ReRunFrom >= 0 && js.job.LayerIndex >= p.opts.ReRunFrom {
			mark(js)
			continue
		}
		for _, id := range js.job.Produces {
			prev, ok := p.prior.Artifacts[id]
			if !ok || prev.Status == store.StatusFailed || prev.InputsHash != js.job.InputsHash {
				mark(js)
				break
			}
		}
	}

	// An override replaces the leaf in place; only its consumers re-run.
	for _, ov := range overrides {
		for _, js := range consumers[ov.ArtifactID] {
			mark(js)
		}
	}

	for len(queue) > 0 {
		js := queue[0]
		queue = queue[1:]
		for _, id := range js.job.Produces {
			for _, down := range consumers[id] {
				mark(down)
			}
		}
	}

	if p.opts.ArtifactID != "" {
		allowed := p.downstreamOf(build.ArtifactID(p.opts.ArtifactID), consumers)
		for id := range dirty {
			if !allowed[id] {
				delete(dirty, id)
			}
		}
	}
	if p.opts.UpToLayer >= 0 {
		for _, js := range p.jobs {
			if js.job.LayerIndex > p.opts.UpToLayer {
				delete(dirty, js.job.JobID)
			}
		}
	}
	return dirty
}

// downstreamOf returns the producing job of the artifact plus every job in
// its transitive consumer closure.
func (p *planner) downstreamOf(id build.ArtifactID, consumers map[build.ArtifactID][]*jobState) map[build.JobID]bool {
	allowed := make(map[build.JobID]bool)
	var queue []*jobState
	if js, ok := p.producedBy[id]; ok {
		allowed[js.job.JobID] = true
		queue = append(queue, js)
	}
	for _, js := range consumers[id] {
		if !allowed[js.job.JobID] {
			allowed[js.job.JobID] = true
			queue = append(queue, js)
		}
	}
	for len(queue) > 0 {
		js := queue[0]
		queue = queue[1:]
		for _, prod := range js.job.Produces {
			for _, down := range consumers[prod] {
				if !allowed[down.job.JobID] {
					allowed[down.job.JobID] = true
					queue = append(queue, down)
				}
			}
		}
	}
	return allowed
}

// result assembles the restricted plan, the next manifest skeleton, the
// pending artifact list, and the override replacements.
func (p *planner) result(dirty map[build.JobID]bool, overrides []Override) (*Result, error) {
	var selected []*Job
	for _, js := range p.jobs {
		if dirty[js.job.JobID] {
			selected = append(selected, js.job)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.LayerIndex != b.LayerIndex {
			return a.LayerIndex < b.LayerIndex
		}
		if a.Producer != b.Producer {
			return a.Producer < b.Producer
		}
		return build.CompareDims(a.dims, b.dims) < 0
	})

	plan := &Plan{TargetRevision: p.revision}
	for _, job := range selected {
		n := len(plan.Layers)
		if n == 0 || plan.Layers[n-1][0].LayerIndex != job.LayerIndex {
			plan.Layers = append(plan.Layers, []*Job{job})
			continue
		}
		plan.Layers[n-1] = append(plan.Layers[n-1], job)
	}

	next := p.prior.Clone()
	next.Producers = next.Producers[:0]
	for _, prod := range p.g.Producers {
		next.Producers = append(next.Producers, store.ProducerSelection{
			Alias:    prod.Decl.Alias,
			Provider: prod.Decl.Provider,
			Model:    prod.Decl.Model,
		})
	}
	if next.Inputs == nil {
		next.Inputs = make(map[build.InputID]json.RawMessage)
	}
	for _, decl := range p.g.Tree.Inputs {
		val, ok := p.inputs[decl.Name]
		if !ok {
			continue
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("snapshot input %q: %w", decl.Name, err)
		}
		next.Inputs[build.NewInputID(decl.Name)] = data
	}

	var pending []build.ArtifactID
	for _, job := range selected {
		pending = append(pending, job.Produces...)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	return &Result{Plan: plan, NextManifest: next, Pending: pending, Replacements: overrides}, nil
}
