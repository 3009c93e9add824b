package blueprint

// TransformKind enumerates the value transforms available to payload
// mappings.
type TransformKind string

const (
	// TransformLookup maps the input's text through a lookup table.
	TransformLookup TransformKind = "lookup"
	// TransformIntToString renders an integer input as its decimal string.
	TransformIntToString TransformKind = "intToString"
	// TransformIntToSecondsString renders an integer as "<n>s".
	TransformIntToSecondsString TransformKind = "intToSecondsString"
	// TransformDurationToFrames converts a duration in seconds to a frame
	// count at the configured FPS.
	TransformDurationToFrames TransformKind = "durationToFrames"
	// TransformInvert negates a boolean input.
	TransformInvert TransformKind = "invert"
	// TransformFirstOf pulls the head of an array input.
	TransformFirstOf TransformKind = "firstOf"
	// TransformCombine looks up a composite key built from several inputs.
	TransformCombine TransformKind = "combine"
)

type (
	// Mapping shapes one provider payload field from the job's resolved
	// inputs. Mappings are declared on the producer spec (sdkMapping) and
	// sealed into the job context by the planner.
	Mapping struct {
		// Field is the provider API field name.
		Field string `json:"field"`
		// From is the input alias supplying the value. Empty for combine
		// transforms, which read their Keys directly.
		From string `json:"from,omitempty"`
		// Transform optionally rewrites the value.
		Transform *Transform `json:"transform,omitempty"`
		// When gates the mapping on other inputs; an unmet condition drops
		// the field from the payload.
		When *Condition `json:"when,omitempty"`
		// Expand spreads the keys of an object-valued result into the payload
		// root instead of assigning to Field.
		Expand bool `json:"expand,omitempty"`
	}

	// Transform is a declarative value rewrite.
	Transform struct {
		Kind TransformKind `json:"kind"`
		// Table backs lookup and combine transforms.
		Table map[string]any `json:"table,omitempty"`
		// FPS applies to durationToFrames.
		FPS float64 `json:"fps,omitempty"`
		// Keys lists the input aliases forming a combine key, joined by "|".
		Keys []string `json:"keys,omitempty"`
	}
)
