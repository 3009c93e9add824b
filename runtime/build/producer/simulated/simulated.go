// Package simulated provides a deterministic stub handler. It synthesizes
// artifacts that satisfy the declared output schemas without calling any
// external service: media leaves get minimal valid file headers, text leaves
// a deterministic sentence, JSON leaves a document built from schema
// defaults. The executor treats it exactly like a live handler, which makes
// whole-pipeline runs reproducible and free.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/graph"
	"goa.design/reel/runtime/build/producer"
	"goa.design/reel/runtime/build/schema"
)

// Handler synthesizes deterministic stub artifacts.
type Handler struct {
	g *graph.Graph
}

var _ producer.Handler = (*Handler)(nil)

// New returns a handler backed by the compiled graph, which supplies the leaf
// schemas for every produced artifact.
func New(g *graph.Graph) *Handler {
	return &Handler{g: g}
}

// WarmStart implements producer.Handler. The simulated provider needs no
// credentials.
func (h *Handler) WarmStart(context.Context) error { return nil }

// Invoke implements producer.Handler.
func (h *Handler) Invoke(_ context.Context, req producer.ProduceRequest) (producer.ProduceResult, error) {
	res := producer.ProduceResult{Status: producer.StatusSucceeded}
	for _, id := range req.Produces {
		leaf, err := h.leafSchema(id)
		if err != nil {
			return producer.ProduceResult{}, producer.NewError("simulated", "invoke",
				producer.ErrorKindUnknown, err.Error(), false, err)
		}
		blob := synthesize(leaf, id, req)
		res.Artifacts = append(res.Artifacts, producer.Artifact{
			ArtifactID: id,
			Status:     producer.StatusSucceeded,
			Blob:       &blob,
		})
	}
	return res, nil
}

// leafSchema locates the declared schema of a produced leaf. Job artifact IDs
// carry the dimension vector on the alias; the virtual index is keyed without
// it.
func (h *Handler) leafSchema(id build.ArtifactID) (*schema.Schema, error) {
	ref, err := build.ParseRef(string(id))
	if err != nil {
		return nil, err
	}
	bare := build.NewArtifactID(ref.Owner, ref.Rest)
	v, ok := h.g.Virtual[bare]
	if !ok {
		return nil, fmt.Errorf("no declared output leaf %s", bare)
	}
	return v.Schema, nil
}

// synthesize builds deterministic content for the leaf: identical requests
// yield identical bytes.
func synthesize(s *schema.Schema, id build.ArtifactID, req producer.ProduceRequest) producer.Blob {
	switch s.Type {
	case schema.TypeImage:
		return producer.Blob{Data: stubPNG(id, req.Revision), MimeType: "image/png"}
	case schema.TypeAudio:
		return producer.Blob{Data: stubWAV(id, req.Revision), MimeType: "audio/wav"}
	case schema.TypeVideo:
		return producer.Blob{Data: stubMP4(id, req.Revision), MimeType: "video/mp4"}
	case schema.TypeJSON, schema.TypeObject, schema.TypeArray:
		data, err := json.Marshal(defaultDoc(s))
		if err != nil {
			data = []byte("{}")
		}
		return producer.Blob{Data: data, MimeType: "application/json"}
	default:
		text := fmt.Sprintf("simulated %s output for %s (model %s, rev %s)",
			s.Type, id, req.Model, req.Revision)
		if len(s.Enum) > 0 {
			text = fmt.Sprintf("%v", s.Enum[0])
		}
		return producer.Blob{Data: []byte(text), MimeType: "text/plain"}
	}
}

// defaultDoc builds a document from schema defaults, zero values where no
// default is declared.
func defaultDoc(s *schema.Schema) any {
	if s.Default != nil {
		return s.Default
	}
	switch s.Type {
	case schema.TypeObject:
		doc := make(map[string]any, len(s.Properties))
		for name, child := range s.Properties {
			doc[name] = defaultDoc(child)
		}
		return doc
	case schema.TypeArray:
		n, fixed := s.FixedSize()
		if !fixed {
			return []any{}
		}
		out := make([]any, n)
		for i := range out {
			out[i] = defaultDoc(s.Items)
		}
		return out
	case schema.TypeInt, schema.TypeNumber:
		return 0
	case schema.TypeBoolean:
		return false
	default:
		if len(s.Enum) > 0 {
			return s.Enum[0]
		}
		return ""
	}
}

// seed derives deterministic filler bytes from the artifact identity.
func seed(id build.ArtifactID, revision string, n int) []byte {
	sum := sha256.Sum256([]byte(string(id) + "|" + revision))
	out := make([]byte, n)
	for i := 0; i < n; i += len(sum) {
		copy(out[i:], sum[:])
	}
	return out
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func stubPNG(id build.ArtifactID, revision string) []byte {
	return append(append([]byte(nil), pngMagic...), seed(id, revision, 64)...)
}

func stubWAV(id build.ArtifactID, revision string) []byte {
	body := seed(id, revision, 64)
	header := make([]byte, 12)
	copy(header, "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(4+len(body)))
	copy(header[8:], "WAVE")
	return append(header, body...)
}

func stubMP4(id build.ArtifactID, revision string) []byte {
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header, 12)
	copy(header[4:], "ftyp")
	copy(header[8:], "isom")
	return append(header, seed(id, revision, 64)...)
}
