// Package build provides the shared identifier grammar and value types used
// by the graph builder, planner, executor, and artifact store.
//
// Three kinds of stable string identifiers exist, each prefixed by its kind:
//
//   - Input:<name>            blueprint-level input, optionally indexed
//   - Artifact:<Alias>.<path> producer output, addressed by JSON path
//   - Producer:<Alias>        producer node; jobs add dimension indices
//
// Identifiers are canonicalized at construction and compared bytewise.
// Ordinal indices are zero-based.
package build

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the three identifier namespaces.
type Kind string

const (
	// KindInput identifies blueprint-level inputs.
	KindInput Kind = "Input"
	// KindArtifact identifies producer outputs and their JSON-path leaves.
	KindArtifact Kind = "Artifact"
	// KindProducer identifies producer nodes and jobs derived from them.
	KindProducer Kind = "Producer"
)

type (
	// InputID is the canonical identifier of a blueprint input,
	// e.g. "Input:CelebrityThenImages[2]".
	InputID string

	// ArtifactID is the canonical identifier of a produced artifact or one of
	// its JSON-path leaves, e.g. "Artifact:DocProducer.Segments[0].Text".
	ArtifactID string

	// ProducerID is the canonical identifier of a producer node,
	// e.g. "Producer:ImageProducer".
	ProducerID string

	// JobID identifies a concrete producer instantiation under a dimension
	// index vector, e.g. "Producer:ImageProducer[0][1]".
	JobID string

	// Index is a single index applied to a path segment: either an ordinal
	// ("[2]") or a named dimension ("[character=alice]").
	Index struct {
		// Key is the dimension name; empty for ordinal indices.
		Key string
		// Val is the index value. Ordinal indices hold the decimal encoding.
		Val string
	}

	// Seg is one dotted path segment with its trailing indices.
	Seg struct {
		Field   string
		Indices []Index
	}

	// Path is a dotted artifact or input path such as
	// "Segments[0].ImagePrompts[1]".
	Path []Seg

	// Ref is the parsed form of a canonical identifier.
	Ref struct {
		// Kind is the identifier namespace.
		Kind Kind
		// Owner is the producer alias (Artifact, Producer) or input name (Input).
		Owner string
		// Dims are the indices attached directly to Owner: job dimension
		// vectors for producers, element access for inputs.
		Dims []Index
		// Rest is the dotted output path following the alias. Empty except for
		// artifact identifiers.
		Rest Path
	}
)

// Ord returns an ordinal index.
func Ord(n int) Index { return Index{Val: strconv.Itoa(n)} }

// Named returns a named dimension index.
func Named(key, val string) Index { return Index{Key: key, Val: val} }

// Ordinal reports the numeric value of an ordinal index.
func (ix Index) Ordinal() (int, bool) {
	if ix.Key != "" {
		return 0, false
	}
	n, err := strconv.Atoi(ix.Val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String renders the index in canonical bracket form.
func (ix Index) String() string {
	if ix.Key == "" {
		return "[" + ix.Val + "]"
	}
	return "[" + ix.Key + "=" + ix.Val + "]"
}

// Compare orders indices: ordinals numerically, named dimensions by key then
// value, ordinals before named.
func (ix Index) Compare(other Index) int {
	a, aOrd := ix.Ordinal()
	b, bOrd := other.Ordinal()
	switch {
	case aOrd && bOrd:
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case aOrd:
		return -1
	case bOrd:
		return 1
	}
	if c := strings.Compare(ix.Key, other.Key); c != 0 {
		return c
	}
	return strings.Compare(ix.Val, other.Val)
}

// CompareDims orders index vectors lexicographically, shorter vectors first.
func CompareDims(a, b []Index) int {
	for i := range a {
		if i >= len(b) {
			return 1
		}
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	}
	return 0
}

// String renders the segment with its indices.
func (s Seg) String() string {
	var b strings.Builder
	b.WriteString(s.Field)
	for _, ix := range s.Indices {
		b.WriteString(ix.String())
	}
	return b.String()
}

// String renders the path in canonical dotted form.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// Indices returns every index in the path, outermost first.
func (p Path) Indices() []Index {
	var out []Index
	for _, s := range p {
		out = append(out, s.Indices...)
	}
	return out
}

// Bare returns a copy of the path with all indices stripped.
func (p Path) Bare() Path {
	out := make(Path, len(p))
	for i, s := range p {
		out[i] = Seg{Field: s.Field}
	}
	return out
}

// Clone returns a deep copy of the path.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	for i, s := range p {
		out[i] = Seg{Field: s.Field, Indices: append([]Index(nil), s.Indices...)}
	}
	return out
}

// HasBarePrefix reports whether the fields of prefix match the leading fields
// of p, ignoring indices.
func (p Path) HasBarePrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, s := range prefix {
		if p[i].Field != s.Field {
			return false
		}
	}
	return true
}

// ParsePath parses a dotted path with optional bracket indices.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	var p Path
	for _, part := range strings.Split(s, ".") {
		seg, err := parseSeg(part)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", s, err)
		}
		p = append(p, seg)
	}
	return p, nil
}

func parseSeg(s string) (Seg, error) {
	open := strings.IndexByte(s, '[')
	if open < 0 {
		if s == "" {
			return Seg{}, fmt.Errorf("empty path segment")
		}
		return Seg{Field: s}, nil
	}
	seg := Seg{Field: s[:open]}
	if seg.Field == "" {
		return Seg{}, fmt.Errorf("segment %q: missing field name", s)
	}
	rest := s[open:]
	for rest != "" {
		if rest[0] != '[' {
			return Seg{}, fmt.Errorf("segment %q: unexpected %q", s, rest[0])
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return Seg{}, fmt.Errorf("segment %q: unterminated index", s)
		}
		ix, err := parseIndex(rest[1:close])
		if err != nil {
			return Seg{}, fmt.Errorf("segment %q: %w", s, err)
		}
		seg.Indices = append(seg.Indices, ix)
		rest = rest[close+1:]
	}
	return seg, nil
}

func parseIndex(s string) (Index, error) {
	if s == "" {
		return Index{}, fmt.Errorf("empty index")
	}
	if eq := strings.IndexByte(s, '='); eq >= 0 {
		key, val := s[:eq], s[eq+1:]
		if key == "" || val == "" {
			return Index{}, fmt.Errorf("invalid named index %q", s)
		}
		return Index{Key: key, Val: val}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Index{}, fmt.Errorf("invalid ordinal index %q", s)
	}
	// Re-encode so "007" collates as "7".
	return Ord(n), nil
}

// ParseRef parses any canonical identifier into its structured form.
func ParseRef(id string) (Ref, error) {
	kind, rest, ok := strings.Cut(id, ":")
	if !ok {
		return Ref{}, fmt.Errorf("identifier %q: missing kind prefix", id)
	}
	k := Kind(kind)
	switch k {
	case KindInput, KindArtifact, KindProducer:
	default:
		return Ref{}, fmt.Errorf("identifier %q: unknown kind %q", id, kind)
	}
	p, err := ParsePath(rest)
	if err != nil {
		return Ref{}, fmt.Errorf("identifier %q: %w", id, err)
	}
	r := Ref{Kind: k, Owner: p[0].Field, Dims: p[0].Indices, Rest: p[1:]}
	if k != KindArtifact && len(r.Rest) > 0 {
		return Ref{}, fmt.Errorf("identifier %q: %s identifiers take no dotted path", id, kind)
	}
	if k == KindArtifact && len(r.Rest) == 0 {
		return Ref{}, fmt.Errorf("identifier %q: artifact identifiers require an output path", id)
	}
	return r, nil
}

// String renders the canonical identifier.
func (r Ref) String() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	b.WriteByte(':')
	b.WriteString(Seg{Field: r.Owner, Indices: r.Dims}.String())
	if len(r.Rest) > 0 {
		b.WriteByte('.')
		b.WriteString(r.Rest.String())
	}
	return b.String()
}

// Canonical re-encodes an identifier into its canonical form, failing on
// grammar violations.
func Canonical(id string) (string, error) {
	r, err := ParseRef(id)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// NewInputID builds the canonical identifier of a blueprint input.
func NewInputID(name string, dims ...Index) InputID {
	return InputID(Ref{Kind: KindInput, Owner: name, Dims: dims}.String())
}

// NewArtifactID builds the canonical identifier of a producer output leaf.
func NewArtifactID(alias string, path Path) ArtifactID {
	return ArtifactID(Ref{Kind: KindArtifact, Owner: alias, Rest: path}.String())
}

// NewJobArtifactID builds the canonical identifier of an output leaf of a
// fan-out producer job: the dimension index vector attaches to the alias,
// e.g. "Artifact:MeetingVideoProducer[character=0].Video".
func NewJobArtifactID(alias string, dims []Index, path Path) ArtifactID {
	return ArtifactID(Ref{Kind: KindArtifact, Owner: alias, Dims: dims, Rest: path}.String())
}

// NewProducerID builds the canonical identifier of a producer node.
func NewProducerID(alias string) ProducerID {
	return ProducerID(Ref{Kind: KindProducer, Owner: alias}.String())
}

// NewJobID builds the identifier of a producer instantiation under the given
// dimension index vector.
func NewJobID(alias string, dims []Index) JobID {
	return JobID(Ref{Kind: KindProducer, Owner: alias, Dims: dims}.String())
}
