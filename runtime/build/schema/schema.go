// Package schema models declared producer output schemas: a constrained JSON
// schema subset with fixed-size arrays, media-typed leaves, enums, and
// defaults. The graph builder expands schemas into leaf artifact sets; the
// executor validates produced JSON against the compiled schema.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/reel/runtime/build"
)

// Type enumerates the schema node types. Media types (image, audio, video)
// denote binary leaves; everything else follows JSON schema conventions.
type Type string

const (
	TypeString  Type = "string"
	TypeText    Type = "text"
	TypeInt     Type = "int"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeImage   Type = "image"
	TypeAudio   Type = "audio"
	TypeVideo   Type = "video"
	TypeJSON    Type = "json"
	TypeEnum    Type = "enum"
)

type (
	// Schema is one node of a declared output schema.
	Schema struct {
		Type Type `json:"type"`
		// Properties lists object members. Leaf enumeration visits them in
		// sorted name order so expansion is deterministic.
		Properties map[string]*Schema `json:"properties,omitempty"`
		// Required lists mandatory object members.
		Required []string `json:"required,omitempty"`
		// Items describes array elements.
		Items *Schema `json:"items,omitempty"`
		// MinItems and MaxItems bound array length. Arrays with
		// MinItems == MaxItems > 0 have a declared fixed size and expand into
		// per-element artifacts; unsized arrays stay single JSON leaves.
		MinItems int `json:"minItems,omitempty"`
		MaxItems int `json:"maxItems,omitempty"`
		// Enum lists allowed values.
		Enum []any `json:"enum,omitempty"`
		// Default fills schema-required provider fields missing from inputs.
		Default any `json:"default,omitempty"`
	}

	// Leaf is one addressable scalar of an expanded schema.
	Leaf struct {
		// Path locates the leaf relative to the producer output root.
		Path build.Path
		// Schema is the scalar node at the leaf.
		Schema *Schema
	}
)

// Parse decodes a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schema) validate() error {
	switch s.Type {
	case TypeString, TypeText, TypeInt, TypeNumber, TypeBoolean, TypeImage, TypeAudio, TypeVideo, TypeJSON:
		return nil
	case TypeEnum:
		if len(s.Enum) == 0 {
			return fmt.Errorf("enum schema requires enum values")
		}
		return nil
	case TypeObject:
		if len(s.Properties) == 0 {
			return fmt.Errorf("object schema requires properties")
		}
		for name, child := range s.Properties {
			if child == nil {
				return fmt.Errorf("property %q: nil schema", name)
			}
			if err := child.validate(); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
		return nil
	case TypeArray:
		if s.Items == nil {
			return fmt.Errorf("array schema requires items")
		}
		if s.MinItems < 0 || s.MaxItems < s.MinItems {
			return fmt.Errorf("array schema has invalid item bounds [%d,%d]", s.MinItems, s.MaxItems)
		}
		return s.Items.validate()
	default:
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
}

// FixedSize returns the declared array size when the schema is a fixed-size
// array.
func (s *Schema) FixedSize() (int, bool) {
	if s.Type == TypeArray && s.MinItems == s.MaxItems && s.MaxItems > 0 {
		return s.MaxItems, true
	}
	return 0, false
}

// Scalar reports whether the node is a leaf (neither object nor fixed-size
// array).
func (s *Schema) Scalar() bool {
	if s.Type == TypeObject {
		return false
	}
	if _, fixed := s.FixedSize(); fixed {
		return false
	}
	return true
}

// Leaves expands the schema into its addressable leaf set, depth-first with
// object members in sorted name order and array elements by ascending index.
// Arrays of objects expand into the Cartesian product of indices and child
// leaves.
func (s *Schema) Leaves() []Leaf {
	var out []Leaf
	s.expand(nil, &out)
	return out
}

func (s *Schema) expand(prefix build.Path, out *[]Leaf) {
	switch {
	case s.Type == TypeObject:
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.Properties[name].expand(append(prefix.Clone(), build.Seg{Field: name}), out)
		}
	case s.Type == TypeArray:
		n, fixed := s.FixedSize()
		if !fixed {
			*out = append(*out, Leaf{Path: prefix.Clone(), Schema: s})
			return
		}
		if len(prefix) == 0 {
			// An unnamed array root has no field to attach indices to.
			*out = append(*out, Leaf{Path: prefix.Clone(), Schema: s})
			return
		}
		for i := 0; i < n; i++ {
			p := prefix.Clone()
			last := &p[len(p)-1]
			last.Indices = append(append([]build.Index(nil), last.Indices...), build.Ord(i))
			s.Items.expand(p, out)
		}
	default:
		*out = append(*out, Leaf{Path: prefix.Clone(), Schema: s})
	}
}

// At descends the schema along a bare (index-free) path, returning the node.
func (s *Schema) At(path build.Path) (*Schema, bool) {
	node := s
	for _, seg := range path {
		for node.Type == TypeArray {
			node = node.Items
		}
		if node.Type != TypeObject {
			return nil, false
		}
		child, ok := node.Properties[seg.Field]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// CardinalityAt returns the declared size of the array at the given bare
// path.
func (s *Schema) CardinalityAt(path build.Path) (int, bool) {
	node, ok := s.At(path)
	if !ok {
		return 0, false
	}
	return node.FixedSize()
}

// Fingerprint returns a stable digest of the schema, used in job input
// hashes so schema edits invalidate downstream artifacts.
func (s *Schema) Fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		// Marshaling a validated schema cannot fail; keep the signature clean.
		panic(fmt.Sprintf("schema: fingerprint: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MimeType returns the MIME type artifacts of this schema node are stored
// under.
func (s *Schema) MimeType() string {
	switch s.Type {
	case TypeImage:
		return "image/png"
	case TypeAudio:
		return "audio/wav"
	case TypeVideo:
		return "video/mp4"
	case TypeString, TypeText:
		return "text/plain"
	default:
		return "application/json"
	}
}

// Compile translates the schema into a draft 2020-12 validator. Media-typed
// leaves are not part of JSON documents and compile as strings.
func (s *Schema) Compile() (*jsonschema.Schema, error) {
	doc := s.jsonSchemaDoc()
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func (s *Schema) jsonSchemaDoc() map[string]any {
	doc := make(map[string]any)
	switch s.Type {
	case TypeObject:
		doc["type"] = "object"
		props := make(map[string]any, len(s.Properties))
		for name, child := range s.Properties {
			props[name] = child.jsonSchemaDoc()
		}
		doc["properties"] = props
		if len(s.Required) > 0 {
			req := make([]any, len(s.Required))
			for i, r := range s.Required {
				req[i] = r
			}
			doc["required"] = req
		}
	case TypeArray:
		doc["type"] = "array"
		doc["items"] = s.Items.jsonSchemaDoc()
		if s.MinItems > 0 {
			doc["minItems"] = float64(s.MinItems)
		}
		if s.MaxItems > 0 {
			doc["maxItems"] = float64(s.MaxItems)
		}
	case TypeInt:
		doc["type"] = "integer"
	case TypeNumber:
		doc["type"] = "number"
	case TypeBoolean:
		doc["type"] = "boolean"
	case TypeJSON, TypeEnum:
		// Any JSON value; enums are exhaustively constrained by the enum
		// clause below.
	default:
		doc["type"] = "string"
	}
	if len(s.Enum) > 0 {
		doc["enum"] = append([]any(nil), s.Enum...)
	}
	return doc
}

// SnapEnum normalizes a numeric input to the nearest allowed enum value,
// returned in the schema's declared type. Non-numeric inputs must match an
// allowed value exactly.
func (s *Schema) SnapEnum(v build.Value) (any, error) {
	if len(s.Enum) == 0 {
		return nil, fmt.Errorf("schema declares no enum values")
	}
	text := v.Text()
	for _, allowed := range s.Enum {
		if enumText(allowed) == text {
			return allowed, nil
		}
	}
	f, ok := v.Float()
	if !ok {
		return nil, fmt.Errorf("value %q is not an allowed enum value", text)
	}
	best := -1
	bestDist := math.Inf(1)
	for i, allowed := range s.Enum {
		key, ok := enumNumber(allowed)
		if !ok {
			continue
		}
		if d := math.Abs(key - f); d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("value %q is not an allowed enum value", text)
	}
	return s.Enum[best], nil
}

func enumText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// enumNumber extracts the numeric key of an enum value: numbers directly,
// strings by their leading digits ("8s" keys as 8).
func enumNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		i := 0
		for i < len(t) && (t[i] == '.' || t[i] == '-' || (t[i] >= '0' && t[i] <= '9')) {
			i++
		}
		if i == 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSuffix(t[:i], "."), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
