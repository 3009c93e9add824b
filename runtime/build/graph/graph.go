// Package graph compiles a validated blueprint tree into a producer graph:
// typed edges from consumer inputs to upstream outputs or blueprint inputs, a
// deterministic topological order over producers, and a virtual-artifact
// index mapping every JSON-path leaf to its parent producer.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/schema"
)

type (
	// Resolver resolves a declared schema reference into its document.
	// Implementations typically read schema files parsed upstream.
	Resolver func(ref string) (*schema.Schema, error)

	// Graph is the compiled producer graph. It is immutable after Build and
	// shared read-only between the planner and executor.
	Graph struct {
		// Tree is the blueprint the graph was compiled from.
		Tree *blueprint.Tree
		// Producers in deterministic topological order: dependencies first,
		// ties broken by alias.
		Producers []*Producer
		// Virtual maps every leaf artifact to its parent producer and path.
		Virtual map[build.ArtifactID]Virtual

		byAlias         map[string]*Producer
		edgesByConsumer map[string][]*Edge
	}

	// Producer is one compiled node.
	Producer struct {
		Decl *blueprint.ProducerDecl
		// Output is the resolved output schema; its root is always an object.
		Output *schema.Schema
		// Input is the resolved input schema, nil when undeclared.
		Input *schema.Schema
		// Leaves is the expanded leaf artifact set in deterministic order.
		Leaves []schema.Leaf
		// Produces lists the canonical IDs of every leaf.
		Produces []build.ArtifactID
		// Deps lists upstream aliases (sorted, unique): edge sources,
		// condition references, and loop ranges.
		Deps []string
	}

	// Source is the producer-side end of an edge.
	Source struct {
		// Kind is KindInput for blueprint inputs, KindArtifact for upstream
		// outputs.
		Kind build.Kind
		// Input and Dims identify a blueprint input source, with optional
		// element access.
		Input string
		Dims  []build.Index
		// Alias and Path identify an upstream output. Path may omit indices;
		// the planner substitutes dimension indices per job.
		Alias string
		Path  build.Path
	}

	// Edge wires one consumer input slot to its source.
	Edge struct {
		// Consumer is the consuming producer's alias.
		Consumer string
		// Input is the input name with optional element indices
		// ("SourceImages[0]").
		Input build.Seg
		// Source is the resolved producer-side end.
		Source Source
	}

	// Virtual locates a leaf artifact inside its parent producer's output.
	Virtual struct {
		Alias  string
		Path   build.Path
		Schema *schema.Schema
	}
)

// Key returns the consumer-side canonical key of the edge.
func (e *Edge) Key() string {
	return e.Consumer + "." + e.Input.String()
}

// ID returns the canonical identifier of the source: an input ID or an
// artifact ID when the path is fully indexed.
func (s Source) ID() string {
	if s.Kind == build.KindInput {
		return string(build.NewInputID(s.Input, s.Dims...))
	}
	return string(build.NewArtifactID(s.Alias, s.Path))
}

// Build compiles the tree. All references are checked here: unknown
// producers, unknown inputs, unresolvable schema paths, unknown condition
// references, and cycles are build.PlanError failures.
func Build(t *blueprint.Tree, resolve Resolver) (*Graph, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	g := &Graph{
		Tree:            t,
		Virtual:         make(map[build.ArtifactID]Virtual),
		byAlias:         make(map[string]*Producer, len(t.Producers)),
		edgesByConsumer: make(map[string][]*Edge),
	}

	for i := range t.Producers {
		decl := &t.Producers[i]
		p, err := compileProducer(decl, resolve)
		if err != nil {
			return nil, err
		}
		g.byAlias[decl.Alias] = p
		for i, leaf := range p.Leaves {
			g.Virtual[p.Produces[i]] = Virtual{Alias: decl.Alias, Path: leaf.Path, Schema: leaf.Schema}
		}
	}

	for _, conn := range t.Connections {
		edge, err := g.compileConnection(conn)
		if err != nil {
			return nil, err
		}
		g.edgesByConsumer[edge.Consumer] = append(g.edgesByConsumer[edge.Consumer], edge)
	}
	for alias, edges := range g.edgesByConsumer {
		// Stable so edges sharing an input slot keep declaration order.
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Input.String() < edges[j].Input.String() })
		g.edgesByConsumer[alias] = edges
	}

	if err := g.resolveDeps(); err != nil {
		return nil, err
	}
	if err := g.order(); err != nil {
		return nil, err
	}
	return g, nil
}

func compileProducer(decl *blueprint.ProducerDecl, resolve Resolver) (*Producer, error) {
	out, err := resolve(decl.OutputSchemaRef)
	if err != nil {
		return nil, build.NewPlanError(build.CodeInvalidSchema, decl.Alias,
			"resolve output schema %q: %v", decl.OutputSchemaRef, err)
	}
	if out.Type != schema.TypeObject {
		return nil, build.NewPlanError(build.CodeInvalidSchema, decl.Alias,
			"output schema root must be an object, got %s", out.Type)
	}
	var in *schema.Schema
	if decl.InputSchemaRef != "" {
		if in, err = resolve(decl.InputSchemaRef); err != nil {
			return nil, build.NewPlanError(build.CodeInvalidSchema, decl.Alias,
				"resolve input schema %q: %v", decl.InputSchemaRef, err)
		}
	}
	p := &Producer{Decl: decl, Output: out, Input: in, Leaves: out.Leaves()}
	p.Produces = make([]build.ArtifactID, len(p.Leaves))
	for i, leaf := range p.Leaves {
		p.Produces[i] = build.NewArtifactID(decl.Alias, leaf.Path)
	}
	return p, nil
}

func (g *Graph) compileConnection(conn blueprint.Connection) (*Edge, error) {
	parts, err := build.ParsePath(conn.Consumer)
	if err != nil || len(parts) != 2 || len(parts[0].Indices) > 0 {
		return nil, build.NewPlanError(build.CodeUnsatisfiedBinding, conn.Consumer,
			"consumer must be <Alias>.<InputName>")
	}
	alias := parts[0].Field
	if _, ok := g.byAlias[alias]; !ok {
		return nil, build.NewPlanError(build.CodeUnknownProducer, conn.Consumer,
			"unknown consumer producer %q", alias)
	}
	src, err := g.compileSource(conn.Source)
	if err != nil {
		return nil, err
	}
	return &Edge{Consumer: alias, Input: parts[1], Source: src}, nil
}

// compileSource parses a connection source: a canonical "Input:" identifier
// or an upstream "<Alias>.<path>" template.
func (g *Graph) compileSource(source string) (Source, error) {
	if strings.HasPrefix(source, string(build.KindInput)+":") {
		ref, err := build.ParseRef(source)
		if err != nil {
			return Source{}, build.NewPlanError(build.CodeUnknownInput, source, "%v", err)
		}
		if _, ok := g.Tree.Input(ref.Owner); !ok {
			return Source{}, build.NewPlanError(build.CodeUnknownInput, source,
				"unknown blueprint input %q", ref.Owner)
		}
		return Source{Kind: build.KindInput, Input: ref.Owner, Dims: ref.Dims}, nil
	}
	path, err := build.ParsePath(source)
	if err != nil || len(path) < 2 {
		return Source{}, build.NewPlanError(build.CodeUnsatisfiedBinding, source,
			"source must be Input:<name> or <Alias>.<path>")
	}
	alias := path[0].Field
	up, ok := g.byAlias[alias]
	if !ok {
		return Source{}, build.NewPlanError(build.CodeUnknownProducer, source,
			"unknown source producer %q", alias)
	}
	rest := build.Path(path[1:])
	if _, ok := up.Output.At(rest.Bare()); !ok {
		return Source{}, build.NewPlanError(build.CodeUnsatisfiedBinding, source,
			"producer %q declares no output at %q", alias, rest.Bare().String())
	}
	return Source{Kind: build.KindArtifact, Alias: alias, Path: rest}, nil
}

func (g *Graph) resolveDeps() error {
	for alias, p := range g.byAlias {
		deps := make(map[string]bool)
		for _, e := range g.edgesByConsumer[alias] {
			if e.Source.Kind == build.KindArtifact {
				deps[e.Source.Alias] = true
			}
		}
		if cond := p.Decl.Condition; cond != nil {
			for _, cp := range cond.Paths() {
				upstream, err := g.checkArtifactPath(cp)
				if err != nil {
					return build.NewPlanError(build.CodeUnknownConditionRef, cp,
						"producer %q: %v", alias, err)
				}
				deps[upstream] = true
			}
		}
		for _, loop := range p.Decl.Loops {
			if strings.HasPrefix(loop.Over, string(build.KindInput)+":") {
				ref, err := build.ParseRef(loop.Over)
				if err != nil {
					return build.NewPlanError(build.CodeUnknownInput, loop.Over, "%v", err)
				}
				if _, ok := g.Tree.Input(ref.Owner); !ok {
					return build.NewPlanError(build.CodeUnknownInput, loop.Over,
						"producer %q loops over unknown input", alias)
				}
				continue
			}
			upstream, err := g.checkArtifactPath(loop.Over)
			if err != nil {
				return build.NewPlanError(build.CodeUnknownProducer, loop.Over,
					"producer %q loop range: %v", alias, err)
			}
			deps[upstream] = true
		}
		delete(deps, alias)
		p.Deps = make([]string, 0, len(deps))
		for d := range deps {
			p.Deps = append(p.Deps, d)
		}
		sort.Strings(p.Deps)
	}
	return nil
}

// checkArtifactPath validates an "<Alias>.<path>" reference and returns the
// upstream alias.
func (g *Graph) checkArtifactPath(ref string) (string, error) {
	path, err := build.ParsePath(ref)
	if err != nil || len(path) < 2 {
		return "", fmt.Errorf("reference %q must be <Alias>.<path>", ref)
	}
	alias := path[0].Field
	up, ok := g.byAlias[alias]
	if !ok {
		return "", fmt.Errorf("unknown producer %q in %q", alias, ref)
	}
	rest := build.Path(path[1:]).Bare()
	if _, ok := up.Output.At(rest); !ok {
		return "", fmt.Errorf("producer %q declares no output at %q", alias, rest.String())
	}
	return alias, nil
}

// order assigns the deterministic topological order: Kahn's algorithm with
// the ready set kept sorted by alias.
func (g *Graph) order() error {
	indegree := make(map[string]int, len(g.byAlias))
	dependents := make(map[string][]string)
	for alias, p := range g.byAlias {
		indegree[alias] = len(p.Deps)
		for _, d := range p.Deps {
			dependents[d] = append(dependents[d], alias)
		}
	}
	var ready []string
	for alias, n := range indegree {
		if n == 0 {
			ready = append(ready, alias)
		}
	}
	sort.Strings(ready)

	g.Producers = g.Producers[:0]
	for len(ready) > 0 {
		alias := ready[0]
		ready = ready[1:]
		g.Producers = append(g.Producers, g.byAlias[alias])
		next := append([]string(nil), dependents[alias]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}
	if len(g.Producers) != len(g.byAlias) {
		remaining := make([]string, 0)
		for alias, n := range indegree {
			if n > 0 {
				remaining = append(remaining, alias)
			}
		}
		sort.Strings(remaining)
		return build.NewPlanError(build.CodeCycle, remaining[0],
			"producer graph contains a cycle through %s", strings.Join(remaining, ", "))
	}
	return nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Producer returns the compiled node for the alias.
func (g *Graph) Producer(alias string) (*Producer, bool) {
	p, ok := g.byAlias[alias]
	return p, ok
}

// EdgesFor returns the consumer's edges sorted by input key.
func (g *Graph) EdgesFor(alias string) []*Edge {
	return g.edgesByConsumer[alias]
}

// CardinalityAt returns the declared size of the array at the given bare
// path of the producer's output.
func (g *Graph) CardinalityAt(alias string, bare build.Path) (int, bool) {
	p, ok := g.byAlias[alias]
	if !ok {
		return 0, false
	}
	return p.Output.CardinalityAt(bare)
}

// LeavesUnder returns the producer's leaves whose bare path extends the given
// prefix.
func (p *Producer) LeavesUnder(prefix build.Path) []schema.Leaf {
	var out []schema.Leaf
	for _, leaf := range p.Leaves {
		if leaf.Path.HasBarePrefix(prefix) {
			out = append(out, leaf)
		}
	}
	return out
}
