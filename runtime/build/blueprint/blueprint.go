// Package blueprint defines the validated blueprint tree consumed by the
// graph builder. Parsing and interactive authoring happen upstream; this
// package only models the structure and the condition grammar, both of which
// the planner seals into jobs.
package blueprint

import "fmt"

// TreeKind discriminates top-level blueprint documents from reusable producer
// specs.
type TreeKind string

const (
	// KindBlueprint is a full movie blueprint.
	KindBlueprint TreeKind = "blueprint"
	// KindProducer is a standalone producer spec.
	KindProducer TreeKind = "producer"
)

// InputType enumerates the blueprint input types.
type InputType string

const (
	TypeString  InputType = "string"
	TypeText    InputType = "text"
	TypeInt     InputType = "int"
	TypeNumber  InputType = "number"
	TypeBoolean InputType = "boolean"
	TypeArray   InputType = "array"
	TypeImage   InputType = "image"
	TypeVideo   InputType = "video"
	TypeAudio   InputType = "audio"
	TypeJSON    InputType = "json"
	TypeEnum    InputType = "enum"
)

// AnnotationKind classifies how an input value originates.
type AnnotationKind string

const (
	// AnnotationUser marks inputs the user supplies directly.
	AnnotationUser AnnotationKind = "user"
	// AnnotationDerived marks inputs computed from other inputs.
	AnnotationDerived AnnotationKind = "derived"
	// AnnotationRuntime marks inputs resolved at execution time.
	AnnotationRuntime AnnotationKind = "runtime"
)

type (
	// Tree is a validated blueprint: ordered inputs, producers, and the
	// connections wiring producer inputs to upstream outputs or blueprint
	// inputs. A Tree is read-only for the duration of a run.
	Tree struct {
		Meta        Meta
		Inputs      []InputDecl
		Producers   []ProducerDecl
		Connections []Connection
	}

	// Meta carries blueprint identity.
	Meta struct {
		ID   string
		Name string
		Kind TreeKind
	}

	// InputDecl declares a blueprint-level input.
	InputDecl struct {
		Name     string
		Type     InputType
		ItemType InputType
		Required bool
		// Enum lists the allowed values when Type is enum.
		Enum []string
		// System carries provenance annotations; nil for plain user inputs.
		System *SystemAnnotation
	}

	// SystemAnnotation records how a non-user input is sourced.
	SystemAnnotation struct {
		Kind         AnnotationKind
		UserSupplied bool
		Source       string
	}

	// ProducerDecl declares one producer node: which handler runs it, the
	// schema of what it emits, its fan-out dimensions, and the predicate
	// gating its execution.
	ProducerDecl struct {
		// Alias is the node name, unique within the tree.
		Alias string
		// Ref names the producer spec this node instantiates.
		Ref string
		// Provider and Model select the handler and the model it invokes.
		Provider string
		Model    string
		// InputSchemaRef and OutputSchemaRef name the declared schemas. The
		// caller resolves refs to schema documents before graph building.
		InputSchemaRef  string
		OutputSchemaRef string
		// Loops lists the fan-out dimensions in declared order. A producer
		// with no loops yields a single job.
		Loops []LoopDim
		// Condition gates execution of each job instantiated from this node.
		Condition *Condition
		// Mappings is the provider payload shaping spec (sdkMapping).
		Mappings []Mapping
	}

	// LoopDim declares one fan-out dimension.
	LoopDim struct {
		// Dim optionally names the dimension (e.g. "character"); when empty
		// the dimension is ordinal.
		Dim string
		// Over is the path whose indices the dimension ranges over: either an
		// upstream artifact path ("DocProducer.Segments") or a canonical input
		// identifier ("Input:Characters").
		Over string
		// Count overrides the inferred cardinality when positive.
		Count int
	}

	// Connection wires one consumer input to a source.
	Connection struct {
		// Consumer is "<Alias>.<InputName>", optionally with an element index
		// on the input name ("Composer.SourceImages[0]").
		Consumer string
		// Source is an upstream output path ("DocProducer.Segments.Text") or a
		// canonical input identifier ("Input:Topic"). Upstream paths without
		// explicit indices are resolved per dimension at plan time.
		Source string
	}
)

// Producer returns the declaration for the given alias.
func (t *Tree) Producer(alias string) (*ProducerDecl, bool) {
	for i := range t.Producers {
		if t.Producers[i].Alias == alias {
			return &t.Producers[i], true
		}
	}
	return nil, false
}

// Input returns the declaration for the given input name.
func (t *Tree) Input(name string) (*InputDecl, bool) {
	for i := range t.Inputs {
		if t.Inputs[i].Name == name {
			return &t.Inputs[i], true
		}
	}
	return nil, false
}

// Validate checks structural invariants the parser guarantees: unique
// aliases and input names, and well-formed conditions.
func (t *Tree) Validate() error {
	seen := make(map[string]bool, len(t.Producers))
	for _, p := range t.Producers {
		if p.Alias == "" {
			return fmt.Errorf("producer with empty alias")
		}
		if seen[p.Alias] {
			return fmt.Errorf("duplicate producer alias %q", p.Alias)
		}
		seen[p.Alias] = true
		if p.Condition != nil {
			if err := p.Condition.Validate(); err != nil {
				return fmt.Errorf("producer %q: %w", p.Alias, err)
			}
		}
	}
	names := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.Name == "" {
			return fmt.Errorf("input with empty name")
		}
		if names[in.Name] {
			return fmt.Errorf("duplicate input name %q", in.Name)
		}
		names[in.Name] = true
	}
	return nil
}
