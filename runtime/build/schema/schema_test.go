package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
)

const docSchema = `{
	"type": "object",
	"properties": {
		"Segments": {
			"type": "array",
			"minItems": 2,
			"maxItems": 2,
			"items": {
				"type": "object",
				"properties": {
					"Text": {"type": "text"},
					"ImagePrompts": {
						"type": "array",
						"minItems": 2,
						"maxItems": 2,
						"items": {"type": "string"}
					}
				}
			}
		},
		"Title": {"type": "string"}
	}
}`

func TestLeavesExpandNestedArrays(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(docSchema))
	require.NoError(t, err)

	var paths []string
	for _, leaf := range s.Leaves() {
		paths = append(paths, leaf.Path.String())
	}
	require.Equal(t, []string{
		"Segments[0].ImagePrompts[0]",
		"Segments[0].ImagePrompts[1]",
		"Segments[0].Text",
		"Segments[1].ImagePrompts[0]",
		"Segments[1].ImagePrompts[1]",
		"Segments[1].Text",
		"Title",
	}, paths)
}

func TestCardinalityAt(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(docSchema))
	require.NoError(t, err)

	p, err := build.ParsePath("Segments")
	require.NoError(t, err)
	n, ok := s.CardinalityAt(p)
	require.True(t, ok)
	require.Equal(t, 2, n)

	p, err = build.ParsePath("Segments.ImagePrompts")
	require.NoError(t, err)
	n, ok = s.CardinalityAt(p)
	require.True(t, ok)
	require.Equal(t, 2, n)

	p, err = build.ParsePath("Title")
	require.NoError(t, err)
	_, ok = s.CardinalityAt(p)
	require.False(t, ok)
}

func TestFingerprintIsStableAndSensitive(t *testing.T) {
	t.Parallel()

	a, err := Parse([]byte(docSchema))
	require.NoError(t, err)
	b, err := Parse([]byte(docSchema))
	require.NoError(t, err)
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	c, err := Parse([]byte(`{"type":"string"}`))
	require.NoError(t, err)
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCompileValidatesDocuments(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(`{
		"type": "object",
		"required": ["duration"],
		"properties": {"duration": {"type": "string", "enum": ["4s", "6s", "8s"]}}
	}`))
	require.NoError(t, err)

	compiled, err := s.Compile()
	require.NoError(t, err)

	require.NoError(t, compiled.Validate(map[string]any{"duration": "6s"}))
	require.Error(t, compiled.Validate(map[string]any{"duration": "10s"}))
	require.Error(t, compiled.Validate(map[string]any{}))
}

func TestSnapEnum(t *testing.T) {
	t.Parallel()

	s := &Schema{Type: TypeString, Enum: []any{"4s", "6s", "8s"}}

	got, err := s.SnapEnum(build.StringValue("10"))
	require.NoError(t, err)
	require.Equal(t, "8s", got)

	got, err = s.SnapEnum(build.JSONValue(float64(5)))
	require.NoError(t, err)
	require.Equal(t, "4s", got)

	got, err = s.SnapEnum(build.StringValue("6s"))
	require.NoError(t, err)
	require.Equal(t, "6s", got)

	num := &Schema{Type: TypeInt, Enum: []any{float64(24), float64(30), float64(60)}}
	got, err = num.SnapEnum(build.StringValue("28"))
	require.NoError(t, err)
	require.Equal(t, float64(30), got)

	_, err = s.SnapEnum(build.StringValue("fast"))
	require.Error(t, err)
}

func TestParseEnumType(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(`{
		"type": "object",
		"properties": {"duration": {"type": "enum", "enum": ["4s", "8s"]}}
	}`))
	require.NoError(t, err)

	node, ok := s.At(build.Path{{Field: "duration"}})
	require.True(t, ok)
	require.Equal(t, TypeEnum, node.Type)
	require.True(t, node.Scalar())

	compiled, err := s.Compile()
	require.NoError(t, err)
	require.NoError(t, compiled.Validate(map[string]any{"duration": "4s"}))
	require.Error(t, compiled.Validate(map[string]any{"duration": "6s"}))

	_, err = Parse([]byte(`{"type": "enum"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "enum schema requires enum values")
}
