package plan

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/schema"
	"goa.design/reel/runtime/build/store"
)

// Inputs maps blueprint input names to their resolved literal values
// (decoded JSON documents). Inputs are sealed at plan creation.
type Inputs map[string]any

// Compute builds the plan. It expands every producer into jobs under its
// dimension index vectors, resolves bindings and fan-in, layers the job DAG,
// computes the dirty set against the prior manifest, and applies the option
// restrictions. Planning is deterministic: identical arguments yield a
// byte-identical serialized plan.
func Compute(g *graph.Graph, inputs Inputs, prior *store.Manifest, opts Options) (*Result, error) {
	if prior == nil {
		prior = store.NewManifest()
	}
	revision := opts.Revision
	if revision == "" {
		revision = uuid.NewString()
	}

	p := &planner{g: g, inputs: inputs, prior: prior, opts: opts, revision: revision}
	if err := p.expandJobs(); err != nil {
		return nil, err
	}
	p.layer()
	if err := p.hashJobs(); err != nil {
		return nil, err
	}
	overrides, err := p.parseOverrides()
	if err != nil {
		return nil, err
	}
	dirty := p.dirtySet(overrides)

	return p.result(dirty, overrides)
}

type planner struct {
	g        *graph.Graph
	inputs   Inputs
	prior    *store.Manifest
	opts     Options
	revision string

	jobs []*jobState
	// producedBy maps every artifact to the job producing it.
	producedBy map[build.ArtifactID]*jobState
}

type jobState struct {
	job *Job
	// deps are the canonical artifact IDs this job consumes, including
	// fan-in members and condition references.
	deps []build.ArtifactID
}

// dimInfo is one resolved fan-out dimension of a producer.
type dimInfo struct {
	decl blueprint.LoopDim
	// overAlias/overPath locate an artifact range; inputName an input range.
	overAlias string
	overPath  build.Path
	inputName string
	size      int
}

// index renders position i of the dimension as a path index.
func (d *dimInfo) index(i int) build.Index {
	if d.decl.Dim != "" {
		return build.Named(d.decl.Dim, strconv.Itoa(i))
	}
	return build.Ord(i)
}

// name is the dimension's grouping name.
func (d *dimInfo) name() string {
	if d.decl.Dim != "" {
		return d.decl.Dim
	}
	return "index"
}

func (p *planner) expandJobs() error {
	p.producedBy = make(map[build.ArtifactID]*jobState)
	for _, prod := range p.g.Producers {
		dims, err := p.resolveDims(prod)
		if err != nil {
			return err
		}
		for _, vec := range vectors(dims) {
			js, err := p.buildJob(prod, dims, vec)
			if err != nil {
				return err
			}
			p.jobs = append(p.jobs, js)
			for _, id := range js.job.Produces {
				p.producedBy[id] = js
			}
		}
	}
	return nil
}

func (p *planner) resolveDims(prod *graph.Producer) ([]dimInfo, error) {
	dims := make([]dimInfo, 0, len(prod.Decl.Loops))
	for _, loop := range prod.Decl.Loops {
		d := dimInfo{decl: loop}
		if ref, err := build.ParseRef(loop.Over); err == nil && ref.Kind == build.KindInput {
			d.inputName = ref.Owner
			d.size = loop.Count
			if d.size == 0 {
				arr, ok := p.inputs[ref.Owner].([]any)
				if !ok {
					return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, loop.Over,
						"producer %q loops over input %q which is not an array", prod.Decl.Alias, ref.Owner)
				}
				d.size = len(arr)
			}
		} else {
			path, err := build.ParsePath(loop.Over)
			if err != nil || len(path) < 2 {
				return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, loop.Over,
					"producer %q has malformed loop range", prod.Decl.Alias)
			}
			d.overAlias = path[0].Field
			d.overPath = build.Path(path[1:]).Bare()
			d.size = loop.Count
			if d.size == 0 {
				n, ok := p.g.CardinalityAt(d.overAlias, d.overPath)
				if !ok {
					return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, loop.Over,
						"producer %q loop range has no declared size", prod.Decl.Alias)
				}
				d.size = n
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}

// vectors enumerates the Cartesian product of the dimensions in declared
// order, outermost varying slowest.
func vectors(dims []dimInfo) [][]int {
	if len(dims) == 0 {
		return [][]int{nil}
	}
	var out [][]int
	var rec func(prefix []int, rest []dimInfo)
	rec = func(prefix []int, rest []dimInfo) {
		if len(rest) == 0 {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := 0; i < rest[0].size; i++ {
			rec(append(prefix, i), rest[1:])
		}
	}
	rec(nil, dims)
	return out
}

func jobIndices(dims []dimInfo, vec []int) []build.Index {
	out := make([]build.Index, len(vec))
	for i := range vec {
		out[i] = dims[i].index(vec[i])
	}
	return out
}

func (p *planner) buildJob(prod *graph.Producer, dims []dimInfo, vec []int) (*jobState, error) {
	decl := prod.Decl
	idx := jobIndices(dims, vec)
	job := &Job{
		JobID:    build.NewJobID(decl.Alias, idx),
		Producer: decl.Alias,
		Provider: decl.Provider,
		Model:    decl.Model,
		Context: Context{
			InputBindings: make(map[string]string),
			SDKMapping:    decl.Mappings,
		},
		dims: idx,
	}
	if decl.OutputSchemaRef != "" || decl.InputSchemaRef != "" {
		job.Context.Schema = &SchemaRefs{Input: decl.InputSchemaRef, Output: decl.OutputSchemaRef}
	}

	// Virtual artifact decomposition: one produce per output leaf.
	for _, leaf := range prod.Leaves {
		job.Produces = append(job.Produces, build.NewJobArtifactID(decl.Alias, idx, leaf.Path))
	}

	js := &jobState{job: job}
	resolved := make(map[string]any)
	for _, edge := range p.g.EdgesFor(decl.Alias) {
		if err := p.bindEdge(js, prod, dims, vec, edge, resolved); err != nil {
			return nil, err
		}
	}
	for k, v := range p.opts.PromptOverrides[decl.Alias] {
		resolved[k] = v
	}
	if len(resolved) > 0 {
		job.Context.Extras = map[string]any{"resolvedInputs": resolved}
	}
	if err := p.attachConditions(js, prod, dims, vec); err != nil {
		return nil, err
	}
	return js, nil
}

// bindEdge resolves one consumer input slot: a literal input, a single
// upstream leaf, or a fan-in aggregation.
func (p *planner) bindEdge(js *jobState, prod *graph.Producer, dims []dimInfo, vec []int, edge *graph.Edge, resolved map[string]any) error {
	job := js.job
	slot := edge.Input.String()

	if edge.Source.Kind == build.KindInput {
		srcDims := edge.Source.Dims
		if len(srcDims) == 0 {
			// Element-wise wiring: a loop over this input substitutes the
			// job's index for that dimension.
			for i, d := range dims {
				if d.inputName == edge.Source.Input {
					srcDims = []build.Index{build.Ord(vec[i])}
					break
				}
			}
		}
		id := build.NewInputID(edge.Source.Input, srcDims...)
		job.Context.InputBindings[slot] = string(id)
		job.Inputs = append(job.Inputs, string(id))
		if val, ok := p.inputs[edge.Source.Input]; ok {
			v, err := descend(val, srcDims)
			if err != nil {
				return build.NewPlanError(build.CodeUnsatisfiedBinding, string(id),
					"producer %q input %q: %v", prod.Decl.Alias, slot, err)
			}
			resolved[slot] = v
		}
		return nil
	}

	up, _ := p.g.Producer(edge.Source.Alias)
	sub := substitutePath(dims, vec, edge.Source.Alias, edge.Source.Path)
	ownerDims, residual := p.matchOwnerDims(dims, vec, up)
	leaves := matchLeaves(up, sub)
	if len(leaves) == 0 {
		return build.NewPlanError(build.CodeUnsatisfiedBinding, edge.Source.ID(),
			"producer %q input %q resolves to no artifact", prod.Decl.Alias, slot)
	}

	// A slot declared as an unsized array in the consumer's input schema
	// aggregates even when a single member resolves.
	aggregate := false
	if prod.Input != nil {
		if node, ok := prod.Input.At(build.Path{{Field: edge.Input.Field}}); ok {
			_, fixed := node.FixedSize()
			aggregate = node.Type == schema.TypeArray && !fixed
		}
	}

	if !aggregate && len(residual) == 0 && len(leaves) == 1 && samePath(leaves[0].Path, sub) {
		id := build.NewJobArtifactID(up.Decl.Alias, ownerDims, leaves[0].Path)
		job.Context.InputBindings[slot] = string(id)
		job.Inputs = append(job.Inputs, string(id))
		js.deps = append(js.deps, id)
		return nil
	}

	// Fan-in: enumerate members across residual upstream jobs and leaf
	// expansion, grouped by the outer dimension.
	members, groupName, err := p.fanInMembers(up, sub, ownerDims, residual, leaves)
	if err != nil {
		return build.NewPlanError(build.CodeAmbiguousFanIn, edge.Source.ID(),
			"producer %q input %q: %v", prod.Decl.Alias, slot, err)
	}
	if job.Context.FanIn == nil {
		job.Context.FanIn = make(map[string]*FanIn)
	}
	fi := job.Context.FanIn[slot]
	if fi == nil {
		fi = &FanIn{GroupBy: groupName}
		job.Context.FanIn[slot] = fi
	} else if fi.GroupBy != groupName && fi.GroupBy != "singleton" && groupName != "singleton" {
		return build.NewPlanError(build.CodeAmbiguousFanIn, edge.Source.ID(),
			"producer %q input %q groups by both %q and %q", prod.Decl.Alias, slot, fi.GroupBy, groupName)
	}
	fi.Members = append(fi.Members, members...)
	sortMembers(fi.Members)
	if len(fi.Members) > 1 && fi.GroupBy == "singleton" {
		fi.GroupBy = groupName
	}
	for _, m := range members {
		job.Inputs = append(job.Inputs, m.ID)
		js.deps = append(js.deps, build.ArtifactID(m.ID))
	}
	return nil
}

// matchOwnerDims resolves the upstream producer's own loop dimensions: those
// the consumer loops over identically take the consumer's index; the rest are
// residual fan-in dimensions.
func (p *planner) matchOwnerDims(dims []dimInfo, vec []int, up *graph.Producer) ([]build.Index, []dimInfo) {
	var owner []build.Index
	var residual []dimInfo
	upDims, err := p.resolveDims(up)
	if err != nil {
		return nil, nil
	}
	for _, ud := range upDims {
		matched := false
		for i, d := range dims {
			if d.decl.Dim == ud.decl.Dim && d.decl.Over == ud.decl.Over {
				owner = append(owner, d.index(vec[i]))
				matched = true
				break
			}
		}
		if !matched {
			residual = append(residual, ud)
		}
	}
	return owner, residual
}

func (p *planner) fanInMembers(up *graph.Producer, sub build.Path, owner []build.Index, residual []dimInfo, leaves []schema.Leaf) ([]FanInMember, string, error) {
	subIdx := len(sub.Indices())

	if len(residual) == 0 {
		if len(leaves) == 1 {
			id := build.NewJobArtifactID(up.Decl.Alias, owner, leaves[0].Path)
			return []FanInMember{{ID: string(id), Group: "singleton"}}, "singleton", nil
		}
		// Element expansion of a single source: group by the first index
		// beyond the bound prefix.
		var members []FanInMember
		for _, leaf := range leaves {
			extra := leaf.Path.Indices()[subIdx:]
			if len(extra) == 0 {
				return nil, "", fmt.Errorf("leaf %s has no grouping index", leaf.Path)
			}
			id := build.NewJobArtifactID(up.Decl.Alias, owner, leaf.Path)
			members = append(members, FanInMember{ID: string(id), Group: extra[0].Val})
		}
		return members, "index", nil
	}

	if len(residual) > 1 {
		return nil, "", fmt.Errorf("multiple unbound dimensions (%s, %s)", residual[0].name(), residual[1].name())
	}
	d := residual[0]
	var members []FanInMember
	for i := 0; i < d.size; i++ {
		for _, leaf := range leaves {
			full := append(append([]build.Index(nil), owner...), d.index(i))
			id := build.NewJobArtifactID(up.Decl.Alias, full, leaf.Path)
			members = append(members, FanInMember{ID: string(id), Group: strconv.Itoa(i)})
		}
	}
	return members, d.name(), nil
}

// sortMembers orders fan-in members by group (numerically when possible),
// keeping the per-group interleaving of sources stable.
func sortMembers(members []FanInMember) {
	sort.SliceStable(members, func(i, j int) bool {
		a, aErr := strconv.Atoi(members[i].Group)
		b, bErr := strconv.Atoi(members[j].Group)
		if aErr == nil && bErr == nil {
			return a < b
		}
		return members[i].Group < members[j].Group
	})
}

func (p *planner) attachConditions(js *jobState, prod *graph.Producer, dims []dimInfo, vec []int) error {
	cond := prod.Decl.Condition
	if cond == nil {
		return nil
	}
	sub, err := cond.Rewrite(func(path string) (string, error) {
		parsed, err := build.ParsePath(path)
		if err != nil {
			return "", err
		}
		alias := parsed[0].Field
		rewritten := substitutePath(dims, vec, alias, build.Path(parsed[1:]))
		full := append(build.Path{parsed[0]}, rewritten...)
		return full.String(), nil
	})
	if err != nil {
		return build.NewPlanError(build.CodeUnknownConditionRef, prod.Decl.Alias, "%v", err)
	}
	for _, cp := range sub.Paths() {
		id, err := conditionArtifactID(cp)
		if err != nil {
			return build.NewPlanError(build.CodeUnknownConditionRef, cp, "%v", err)
		}
		js.deps = append(js.deps, id)
	}
	key := sub.Paths()[0]
	js.job.Context.InputConditions = map[string]*blueprint.Condition{key: sub}
	return nil
}

// conditionArtifactID converts a substituted condition path into the
// canonical artifact identifier it gates on.
func conditionArtifactID(path string) (build.ArtifactID, error) {
	parsed, err := build.ParsePath(path)
	if err != nil || len(parsed) < 2 {
		return "", fmt.Errorf("condition path %q must be <Alias>.<path>", path)
	}
	return build.NewArtifactID(parsed[0].Field, build.Path(parsed[1:])), nil
}

// substitutePath inserts the job's dimension indices into a source path
// template targeting the given upstream alias.
func substitutePath(dims []dimInfo, vec []int, alias string, path build.Path) build.Path {
	out := path.Clone()
	for i, d := range dims {
		if d.overAlias != alias || len(d.overPath) == 0 || len(d.overPath) > len(out) {
			continue
		}
		if !out.HasBarePrefix(d.overPath) {
			continue
		}
		seg := &out[len(d.overPath)-1]
		if len(seg.Indices) > 0 {
			continue
		}
		seg.Indices = []build.Index{build.Ord(vec[i])}
	}
	return out
}

// matchLeaves returns the upstream leaves addressed by the (possibly
// partially indexed) substituted path.
func matchLeaves(up *graph.Producer, sub build.Path) []schema.Leaf {
	var out []schema.Leaf
	for _, leaf := range up.Leaves {
		if leafExtends(leaf.Path, sub) {
			out = append(out, leaf)
		}
	}
	return out
}

// leafExtends reports whether the leaf path lies at or under sub, honoring
// every index sub specifies.
func leafExtends(leaf, sub build.Path) bool {
	if len(sub) > len(leaf) {
		return false
	}
	for i, s := range sub {
		if leaf[i].Field != s.Field {
			return false
		}
		if len(s.Indices) > len(leaf[i].Indices) {
			return false
		}
		for k, ix := range s.Indices {
			if leaf[i].Indices[k] != ix {
				return false
			}
		}
	}
	return true
}

func samePath(a, b build.Path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Field != b[i].Field || len(a[i].Indices) != len(b[i].Indices) {
			return false
		}
		for k := range a[i].Indices {
			if a[i].Indices[k] != b[i].Indices[k] {
				return false
			}
		}
	}
	return true
}

// descend walks a literal input value down element indices.
func descend(val any, dims []build.Index) (any, error) {
	for _, ix := range dims {
		n, ok := ix.Ordinal()
		if !ok {
			return nil, fmt.Errorf("named index %s cannot address a literal array", ix)
		}
		arr, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("index %s applied to non-array value", ix)
		}
		if n >= len(arr) {
			return nil, fmt.Errorf("index %d out of bounds (len %d)", n, len(arr))
		}
		val = arr[n]
	}
	return val, nil
}
