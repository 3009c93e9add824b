package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/schema"
)

// BuildPayload merges a request's plan-time literals, resolved bindings, and
// fan-in sequences into a single payload, then shapes it through the job's
// sealed mappings. Live handlers call it before composing the provider
// request.
func BuildPayload(ctx context.Context, req ProduceRequest, input *schema.Schema) (map[string]any, error) {
	resolved := make(map[string]any)
	if req.Context.Extras != nil {
		if lits, ok := req.Context.Extras["resolvedInputs"].(map[string]any); ok {
			for k, v := range lits {
				resolved[k] = v
			}
		}
	}
	for slot, v := range req.Resolved {
		resolved[slot] = valueDoc(v)
	}
	for slot, seq := range req.Sequences {
		vals, err := seq.Values(ctx)
		if err != nil {
			return nil, NewError(req.Provider, "payload", ErrorKindUnknown,
				fmt.Sprintf("fan-in %q: %v", slot, err), false, err)
		}
		arr := make([]any, len(vals))
		for i, v := range vals {
			arr[i] = valueDoc(v)
		}
		resolved[slot] = arr
	}
	return Shape(req.Provider, resolved, req.Context.SDKMapping, input)
}

// ComposePrompt renders the deterministic completion prompt for a structured
// generation job: the shaped payload plus the declared output schema the
// response document must conform to.
func ComposePrompt(payload map[string]any, output *schema.Schema) (string, error) {
	doc, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	out, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode output schema: %w", err)
	}
	var b strings.Builder
	b.WriteString("Produce a single JSON document that conforms to the output schema.\n")
	b.WriteString("Respond with the JSON document only, no prose and no code fences.\n\n")
	b.WriteString("Output schema:\n")
	b.Write(out)
	b.WriteString("\n\nInputs:\n")
	b.Write(doc)
	b.WriteString("\n")
	return b.String(), nil
}

// SplitDocument extracts each produced leaf from a generated output document.
// Job artifact identifiers carry the dimension vector on the alias; leaf
// paths are resolved against the virtual artifact index with dims stripped.
func SplitDocument(g *graph.Graph, provider string, doc any, produces []build.ArtifactID) ([]Artifact, error) {
	out := make([]Artifact, 0, len(produces))
	for _, id := range produces {
		ref, err := build.ParseRef(string(id))
		if err != nil {
			return nil, NewError(provider, "split", ErrorKindUnknown, err.Error(), false, err)
		}
		bare := build.NewArtifactID(ref.Owner, ref.Rest)
		v, ok := g.Virtual[bare]
		if !ok {
			return nil, NewError(provider, "split", ErrorKindUnknown,
				fmt.Sprintf("no declared output leaf %s", bare), false, nil)
		}
		val, err := descendDoc(doc, ref.Rest)
		if err != nil {
			return nil, NewError(provider, "split", ErrorKindUnknown,
				fmt.Sprintf("leaf %s: %v", id, err), false, err)
		}
		blob, err := leafBlob(v.Schema, val)
		if err != nil {
			return nil, NewError(provider, "split", ErrorKindUnknown,
				fmt.Sprintf("leaf %s: %v", id, err), false, err)
		}
		out = append(out, Artifact{ArtifactID: id, Status: StatusSucceeded, Blob: &blob})
	}
	return out, nil
}

// descendDoc walks the decoded response document along a leaf path.
func descendDoc(doc any, path build.Path) (any, error) {
	cur := doc
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: parent is not an object", seg.Field)
		}
		cur, ok = obj[seg.Field]
		if !ok {
			return nil, fmt.Errorf("field %q is absent", seg.Field)
		}
		for _, ix := range seg.Indices {
			n, ok := ix.Ordinal()
			if !ok {
				return nil, fmt.Errorf("field %q: named index %s in document path", seg.Field, ix)
			}
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q is not an array", seg.Field)
			}
			if n >= len(arr) {
				return nil, fmt.Errorf("field %q: index %d out of bounds (len %d)", seg.Field, n, len(arr))
			}
			cur = arr[n]
		}
	}
	return cur, nil
}

// leafBlob encodes a document leaf per its declared schema: string-typed
// leaves as plain text, everything else as JSON.
func leafBlob(s *schema.Schema, val any) (Blob, error) {
	switch s.Type {
	case schema.TypeString, schema.TypeText:
		str, ok := val.(string)
		if !ok {
			return Blob{}, fmt.Errorf("expected a string, got %T", val)
		}
		return Blob{Data: []byte(str), MimeType: "text/plain"}, nil
	case schema.TypeImage, schema.TypeAudio, schema.TypeVideo:
		return Blob{}, fmt.Errorf("media leaf cannot be extracted from a text response")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return Blob{}, fmt.Errorf("encode leaf: %w", err)
		}
		return Blob{Data: data, MimeType: "application/json"}, nil
	}
}

func valueDoc(v build.Value) any {
	if doc, ok := v.JSON(); ok {
		return doc
	}
	if v.Kind() == build.ValueBytes {
		return v.Bytes()
	}
	return v.Text()
}
