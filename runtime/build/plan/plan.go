// Package plan turns a producer graph, resolved inputs, and the prior
// manifest into an execution plan: a topologically layered DAG of jobs, each
// a producer instantiation under a dimension index vector. Planning also
// computes the dirty set for incremental rebuilds, infers fan-in groupings,
// and decomposes structured outputs into independently addressable leaves.
package plan

import (
	"encoding/json"
	"fmt"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/store"
)

type (
	// Job is one sealed producer instantiation. Jobs are immutable once the
	// plan is built.
	Job struct {
		// JobID is "Producer:<Alias>" with the dimension index vector
		// appended, e.g. "Producer:ImageProducer[0][1]".
		JobID build.JobID `json:"jobId"`
		// Producer is the producer alias.
		Producer string `json:"producer"`
		// Provider and Model select the handler.
		Provider string `json:"provider"`
		Model    string `json:"model"`
		// LayerIndex is the job's layer in the full (pre-restriction) DAG.
		LayerIndex int `json:"layerIndex"`
		// Inputs lists the canonical IDs the job consumes, in binding order.
		Inputs []string `json:"inputs"`
		// Produces lists the canonical IDs of every artifact the job emits,
		// one per output leaf.
		Produces []build.ArtifactID `json:"produces"`
		// InputsHash is the stable digest of everything that determines the
		// job's outputs short of upstream artifact content.
		InputsHash string `json:"inputsHash"`
		// Context carries the sealed execution context.
		Context Context `json:"context"`

		dims []build.Index
	}

	// Context is the sealed per-job execution context handed to the provider
	// boundary.
	Context struct {
		// InputBindings maps input aliases (with optional element access,
		// "SourceImages[0]") to the canonical ID feeding them.
		InputBindings map[string]string `json:"inputBindings"`
		// InputConditions gate the job. Keys are the substituted path of the
		// condition's first clause; a job runs only when every condition
		// holds.
		InputConditions map[string]*blueprint.Condition `json:"inputConditions,omitempty"`
		// FanIn records the inferred aggregation per fan-in input alias.
		FanIn map[string]*FanIn `json:"fanIn,omitempty"`
		// SDKMapping is the provider payload shaping spec.
		SDKMapping []blueprint.Mapping `json:"sdkMapping,omitempty"`
		// Schema carries the declared schema references.
		Schema *SchemaRefs `json:"schema,omitempty"`
		// Extras carries auxiliary plan-time data. Key "resolvedInputs" holds
		// the literal input values materialized at plan time.
		Extras map[string]any `json:"extras,omitempty"`
	}

	// SchemaRefs names the declared input and output schemas of the job's
	// producer.
	SchemaRefs struct {
		Input  string `json:"input,omitempty"`
		Output string `json:"output"`
	}

	// FanIn describes one aggregated input: how members group and the
	// ordered member set. Members include conditional sources; whether a
	// member materializes depends on its producing job's conditions.
	FanIn struct {
		// GroupBy is the shared outer dimension name, "index" for element
		// expansion of a single source, or "singleton".
		GroupBy string `json:"groupBy"`
		// OrderBy optionally names the dimension ordering members; empty
		// means member order as listed.
		OrderBy string `json:"orderBy,omitempty"`
		// Members lists the aggregated sources in order.
		Members []FanInMember `json:"members"`
	}

	// FanInMember is one aggregated source.
	FanInMember struct {
		ID    string `json:"id"`
		Group string `json:"group"`
	}

	// Plan is the ordered list of layers. Every dependency of a job
	// terminates in a strictly earlier layer; job order within a layer is
	// producer alias ascending, then dimension vector lexicographic.
	Plan struct {
		Layers         [][]*Job `json:"layers"`
		TargetRevision string   `json:"targetRevision"`
	}

	// Options restrict or force parts of the plan.
	Options struct {
		// Revision overrides the generated target revision token.
		Revision string
		// UpToLayer drops all jobs whose layer exceeds it when >= 0.
		UpToLayer int
		// ReRunFrom marks all jobs at layers >= it dirty when >= 0.
		ReRunFrom int
		// ArtifactID restricts the dirty set to the transitive downstream of
		// this canonical artifact ID.
		ArtifactID string
		// Overrides replaces individual leaf artifacts: canonical leaf ID to
		// new value. Only the consumers of an overridden leaf re-run; the
		// producer itself stays clean.
		Overrides map[string]build.Value
		// PromptOverrides merges per-producer fields into the resolved
		// literals, keyed by producer alias. An override wins over the
		// blueprint literal and participates in the inputs hash, so changing
		// one dirties the affected jobs.
		PromptOverrides map[string]map[string]any
	}

	// Override is a parsed leaf replacement the orchestrator persists before
	// execution.
	Override struct {
		ArtifactID build.ArtifactID
		Value      build.Value
	}

	// Result is the planner output: the restricted plan, the next manifest
	// skeleton, the artifacts pending production, and the leaf replacements
	// to persist.
	Result struct {
		Plan *Plan
		// NextManifest starts from the prior manifest's artifacts and carries
		// the input snapshot, producer selections, and prior hash.
		NextManifest *store.Manifest
		// Pending lists every artifact the plan will produce or update.
		Pending []build.ArtifactID
		// Replacements lists override events to inject before execution.
		Replacements []Override
	}
)

// DefaultOptions returns Options with no restrictions.
func DefaultOptions() Options {
	return Options{UpToLayer: -1, ReRunFrom: -1}
}

// Dims returns the job's dimension index vector.
func (j *Job) Dims() []build.Index { return append([]build.Index(nil), j.dims...) }

// Jobs returns every job in layer order.
func (p *Plan) Jobs() []*Job {
	var out []*Job
	for _, layer := range p.Layers {
		out = append(out, layer...)
	}
	return out
}

// JobCount returns the total number of jobs.
func (p *Plan) JobCount() int {
	n := 0
	for _, layer := range p.Layers {
		n += len(layer)
	}
	return n
}

// Job returns the job with the given ID.
func (p *Plan) Job(id build.JobID) (*Job, bool) {
	for _, layer := range p.Layers {
		for _, j := range layer {
			if j.JobID == id {
				return j, true
			}
		}
	}
	return nil, false
}

// Marshal serializes the plan deterministically: identical plans yield
// byte-identical documents.
func (p *Plan) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return data, nil
}
