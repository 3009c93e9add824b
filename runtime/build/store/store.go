// Package store defines the artifact store contract: content-addressed blob
// storage, the manifest, and the two append-only event logs (inputs and
// artifacts). The store is the single source of truth for persisted state;
// the planner and executor hold read-only snapshots.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/reel/runtime/build"
)

var (
	// ErrNotFound indicates the requested blob or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a manifest save raced another writer: the caller's
	// previous hash no longer matches the persisted manifest. Callers re-read
	// and re-plan.
	ErrConflict = errors.New("manifest conflict")
)

// ArtifactStatus is the terminal status of an artifact event.
type ArtifactStatus string

const (
	// StatusSucceeded marks an artifact produced successfully.
	StatusSucceeded ArtifactStatus = "succeeded"
	// StatusFailed marks an artifact whose job failed.
	StatusFailed ArtifactStatus = "failed"
	// StatusSkipped marks an artifact whose job was gated off by conditions.
	StatusSkipped ArtifactStatus = "skipped"
)

type (
	// BlobRef is a content-addressed reference: hash, size, and MIME type.
	// Blob bytes are immutable; two refs with equal hash address equal bytes.
	BlobRef struct {
		Hash     string `json:"hash"`
		Size     int64  `json:"size"`
		MimeType string `json:"mimeType"`
	}

	// ArtifactEvent records one job completion for one artifact. The manifest
	// is the last-write-wins materialization of these events per artifact ID.
	ArtifactEvent struct {
		ArtifactID build.ArtifactID `json:"artefactId"`
		Revision   string           `json:"revision"`
		InputsHash string           `json:"inputsHash"`
		Status     ArtifactStatus   `json:"status"`
		// Reason carries the failure reason for failed events
		// (e.g. "missing_output", "cancelled").
		Reason     string      `json:"reason,omitempty"`
		ProducedBy build.JobID `json:"producedBy"`
		CreatedAt  time.Time   `json:"createdAt"`
		Blob       *BlobRef    `json:"blob,omitempty"`
		// Diagnostics carries provider messages attached to the event.
		Diagnostics []string `json:"diagnostics,omitempty"`
	}

	// InputEvent records one user input resolved at plan time.
	InputEvent struct {
		InputID   build.InputID   `json:"inputId"`
		Revision  string          `json:"revision"`
		Value     json.RawMessage `json:"value"`
		CreatedAt time.Time       `json:"createdAt"`
	}

	// ProducerSelection records the provider/model pair a producer ran with.
	ProducerSelection struct {
		Alias    string `json:"alias"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}

	// Manifest maps every artifact to its latest event and snapshots the
	// inputs and producer selections the plan was built from. Manifests chain
	// through PreviousHash, giving a verifiable history; they are rewritten
	// atomically once per run.
	Manifest struct {
		ManifestHash string                             `json:"manifestHash"`
		PreviousHash string                             `json:"previousHash,omitempty"`
		Producers    []ProducerSelection                `json:"producers,omitempty"`
		Inputs       map[build.InputID]json.RawMessage  `json:"inputs,omitempty"`
		Artifacts    map[build.ArtifactID]ArtifactEvent `json:"artefacts"`
	}

	// ArtifactPage is a forward page of artifact events, oldest first.
	ArtifactPage struct {
		Events []ArtifactEvent
		// NextCursor resumes iteration; empty when the stream is exhausted.
		NextCursor string
	}

	// InputPage is a forward page of input events, oldest first.
	InputPage struct {
		Events []InputEvent
		// NextCursor resumes iteration; empty when the stream is exhausted.
		NextCursor string
	}

	// Store is the artifact store contract. Implementations must make PutBlob
	// idempotent, keep both event logs append-only, and enforce optimistic
	// concurrency on manifest saves.
	Store interface {
		// PutBlob stores the bytes under their content hash and returns the
		// reference. Writing an existing hash is a no-op.
		PutBlob(ctx context.Context, data []byte, mimeType string) (BlobRef, error)

		// GetBlob returns the bytes addressed by the reference. Returns an
		// error wrapping ErrNotFound when the blob is absent.
		GetBlob(ctx context.Context, ref BlobRef) ([]byte, error)

		// AppendInputEvent appends one record to the input event log.
		AppendInputEvent(ctx context.Context, e InputEvent) error

		// AppendArtifactEvent appends one record to the artifact event log.
		AppendArtifactEvent(ctx context.Context, e ArtifactEvent) error

		// StreamInputs returns the next forward page of input events. Cursor
		// is a value from a previous page, or empty to start from the oldest
		// record. Limit must be positive.
		StreamInputs(ctx context.Context, cursor string, limit int) (InputPage, error)

		// StreamArtifacts returns the next forward page of artifact events.
		StreamArtifacts(ctx context.Context, cursor string, limit int) (ArtifactPage, error)

		// LoadManifest returns the persisted manifest, or an empty manifest
		// when none exists yet.
		LoadManifest(ctx context.Context) (*Manifest, error)

		// SaveManifest persists the manifest atomically and returns its new
		// hash. Returns an error wrapping ErrConflict when previousHash does
		// not match the currently persisted manifest's hash.
		SaveManifest(ctx context.Context, m *Manifest, previousHash string) (string, error)

		// SavePlan persists a serialized plan under the run's directory and
		// returns the file path.
		SavePlan(ctx context.Context, runID string, plan json.RawMessage) (string, error)
	}
)

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{Artifacts: make(map[build.ArtifactID]ArtifactEvent)}
}

// Clone deep-copies the manifest.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		ManifestHash: m.ManifestHash,
		PreviousHash: m.PreviousHash,
		Producers:    append([]ProducerSelection(nil), m.Producers...),
		Artifacts:    make(map[build.ArtifactID]ArtifactEvent, len(m.Artifacts)),
	}
	if m.Inputs != nil {
		out.Inputs = make(map[build.InputID]json.RawMessage, len(m.Inputs))
		for k, v := range m.Inputs {
			out.Inputs[k] = append(json.RawMessage(nil), v...)
		}
	}
	for k, v := range m.Artifacts {
		out.Artifacts[k] = v
	}
	return out
}

// Apply folds one artifact event into the manifest, last write wins.
func (m *Manifest) Apply(e ArtifactEvent) {
	if m.Artifacts == nil {
		m.Artifacts = make(map[build.ArtifactID]ArtifactEvent)
	}
	m.Artifacts[e.ArtifactID] = e
}

// ComputeHash derives the manifest hash from its contents, excluding the hash
// field itself. Map keys serialize in sorted order, so the digest is stable.
func (m *Manifest) ComputeHash() (string, error) {
	shadow := struct {
		PreviousHash string                             `json:"previousHash,omitempty"`
		Producers    []ProducerSelection                `json:"producers,omitempty"`
		Inputs       map[build.InputID]json.RawMessage  `json:"inputs,omitempty"`
		Artifacts    map[build.ArtifactID]ArtifactEvent `json:"artefacts"`
	}{m.PreviousHash, m.Producers, m.Inputs, m.Artifacts}
	data, err := json.Marshal(shadow)
	if err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
