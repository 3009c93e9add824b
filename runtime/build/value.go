package build

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the variants of an artifact value.
type ValueKind int

const (
	// ValueString holds text content.
	ValueString ValueKind = iota
	// ValueBytes holds opaque binary content with a MIME type.
	ValueBytes
	// ValueJSON holds a decoded JSON scalar, object, or array.
	ValueJSON
)

type (
	// Value is the tagged variant carried between jobs: a string, a binary
	// blob, or a decoded JSON document. Values are immutable once constructed.
	Value struct {
		kind ValueKind
		str  string
		raw  []byte
		doc  any
		mime string
	}

	// Resolver fetches the materialized value of an artifact. It is satisfied
	// by the executor's store-backed resolution and by test fakes.
	Resolver func(ctx context.Context, id ArtifactID) (Value, error)

	// FanInSequence is a lazy, finite, restartable sequence of artifact values
	// aggregated from fan-out producers. Members are resolved on demand each
	// time the sequence is walked, in the planner-determined order.
	FanInSequence struct {
		ids     []ArtifactID
		resolve Resolver
	}
)

// StringValue wraps text content.
func StringValue(s string) Value {
	return Value{kind: ValueString, str: s, mime: "text/plain"}
}

// BytesValue wraps binary content with its MIME type.
func BytesValue(b []byte, mime string) Value {
	return Value{kind: ValueBytes, raw: b, mime: mime}
}

// JSONValue wraps a decoded JSON document (scalar, map, or slice).
func JSONValue(doc any) Value {
	return Value{kind: ValueJSON, doc: doc, mime: "application/json"}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// MimeType returns the MIME type associated with the value.
func (v Value) MimeType() string { return v.mime }

// Text returns the string rendering of the value. Binary content renders as
// its raw bytes; JSON documents as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueBytes:
		return string(v.raw)
	default:
		switch d := v.doc.(type) {
		case string:
			return d
		case nil:
			return ""
		default:
			b, err := json.Marshal(v.doc)
			if err != nil {
				return fmt.Sprintf("%v", v.doc)
			}
			return string(b)
		}
	}
}

// Bytes returns the binary rendering of the value.
func (v Value) Bytes() []byte {
	if v.kind == ValueBytes {
		return v.raw
	}
	return []byte(v.Text())
}

// JSON returns the decoded JSON document and true when the value is JSON.
func (v Value) JSON() (any, bool) {
	if v.kind != ValueJSON {
		return nil, false
	}
	return v.doc, true
}

// Bool coerces the value to a boolean. The strings "true" and "false" coerce
// as written; JSON booleans coerce directly; everything else fails.
func (v Value) Bool() (bool, bool) {
	if v.kind == ValueJSON {
		if b, ok := v.doc.(bool); ok {
			return b, true
		}
	}
	switch v.Text() {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// Float coerces the value to a float64: JSON numbers directly, strings via
// parsing.
func (v Value) Float() (float64, bool) {
	if v.kind == ValueJSON {
		if f, ok := v.doc.(float64); ok {
			return f, true
		}
	}
	f, err := strconv.ParseFloat(v.Text(), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Empty reports whether the value is the empty string, an empty JSON
// document, or zero-length bytes.
func (v Value) Empty() bool {
	switch v.kind {
	case ValueString:
		return v.str == ""
	case ValueBytes:
		return len(v.raw) == 0
	default:
		switch d := v.doc.(type) {
		case nil:
			return true
		case string:
			return d == ""
		case []any:
			return len(d) == 0
		case map[string]any:
			return len(d) == 0
		}
		return false
	}
}

// NewFanInSequence builds a sequence over the given member artifacts.
func NewFanInSequence(ids []ArtifactID, resolve Resolver) *FanInSequence {
	return &FanInSequence{ids: append([]ArtifactID(nil), ids...), resolve: resolve}
}

// Len returns the number of members.
func (s *FanInSequence) Len() int { return len(s.ids) }

// Members returns the member artifact identifiers in order.
func (s *FanInSequence) Members() []ArtifactID {
	return append([]ArtifactID(nil), s.ids...)
}

// Values resolves every member in order. Each call re-resolves, making the
// sequence restartable.
func (s *FanInSequence) Values(ctx context.Context) ([]Value, error) {
	out := make([]Value, 0, len(s.ids))
	for _, id := range s.ids {
		v, err := s.resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve fan-in member %s: %w", id, err)
		}
		out = append(out, v)
	}
	return out, nil
}
