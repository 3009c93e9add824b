// Package disk implements store.Store on the local filesystem using the
// per-movie layout:
//
//	<root>/blobs/<hh>/<hash>.<ext>   content-addressed, immutable
//	<root>/manifests/current.json    latest manifest; history/<n>.json kept
//	<root>/events/inputs.jsonl       append-only input events
//	<root>/events/artefacts.jsonl    append-only artifact events
//	<root>/runs/<runID>/plan.json    persisted plans
//	<root>/logs/<runID>.jsonl        per-run logs
//	<root>/prompts/<Alias>.toml      per-build prompt overrides
//
// All multi-byte writes go through a temp sibling, fsync, and rename, so a
// crash leaves either the old content or the new, never a torn file. Temp
// files without a successor rename are abandoned writes and are swept on
// Open.
package disk

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/store"
)

const tmpPrefix = ".tmp-"

// Store implements store.Store rooted at one movie directory.
type Store struct {
	root string

	inputsMu    sync.Mutex
	artifactsMu sync.Mutex
	manifestMu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open initializes the movie directory, creating the layout if needed and
// discarding abandoned temp files from interrupted writes.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		"blobs", "manifests", filepath.Join("manifests", "history"),
		"events", "runs", "logs", "prompts",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("init store layout: %w", err)
		}
	}
	s := &Store{root: root}
	if err := s.sweepTemp(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the movie directory.
func (s *Store) Root() string { return s.root }

// PromptsDir returns the directory holding per-producer prompt overrides.
func (s *Store) PromptsDir() string { return filepath.Join(s.root, "prompts") }

func (s *Store) sweepTemp() error {
	for _, dir := range []string{filepath.Join(s.root, "manifests"), filepath.Join(s.root, "blobs")} {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasPrefix(d.Name(), tmpPrefix) {
				return os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("sweep abandoned writes: %w", err)
		}
	}
	return nil
}

// extByMime maps MIME types to blob file extensions.
var extByMime = map[string]string{
	"image/png":        "png",
	"image/jpeg":       "jpg",
	"audio/wav":        "wav",
	"audio/mpeg":       "mp3",
	"video/mp4":        "mp4",
	"text/plain":       "txt",
	"application/json": "json",
}

func ext(mimeType string) string {
	if e, ok := extByMime[mimeType]; ok {
		return e
	}
	return "bin"
}

func (s *Store) blobPath(hash, mimeType string) string {
	return filepath.Join(s.root, "blobs", hash[:2], hash+"."+ext(mimeType))
}

// PutBlob implements store.Store. Writing an existing hash is a no-op;
// concurrent writers of the same hash race harmlessly because the bytes are
// identical.
func (s *Store) PutBlob(_ context.Context, data []byte, mimeType string) (store.BlobRef, error) {
	sum := sha256.Sum256(data)
	ref := store.BlobRef{
		Hash:     hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
		MimeType: mimeType,
	}
	path := s.blobPath(ref.Hash, mimeType)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return store.BlobRef{}, fmt.Errorf("put blob: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return store.BlobRef{}, fmt.Errorf("put blob: %w", err)
	}
	return ref, nil
}

// GetBlob implements store.Store.
func (s *Store) GetBlob(_ context.Context, ref store.BlobRef) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(ref.Hash, ref.MimeType))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", ref.Hash, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get blob %s: %w", ref.Hash, err)
	}
	return data, nil
}

// AppendInputEvent implements store.Store.
func (s *Store) AppendInputEvent(_ context.Context, e store.InputEvent) error {
	s.inputsMu.Lock()
	defer s.inputsMu.Unlock()
	return appendRecord(filepath.Join(s.root, "events", "inputs.jsonl"), e)
}

// AppendArtifactEvent implements store.Store.
func (s *Store) AppendArtifactEvent(_ context.Context, e store.ArtifactEvent) error {
	s.artifactsMu.Lock()
	defer s.artifactsMu.Unlock()
	return appendRecord(filepath.Join(s.root, "events", "artefacts.jsonl"), e)
}

// appendRecord writes one JSONL record in a single write call so concurrent
// appenders never interleave within a record.
func appendRecord(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// StreamInputs implements store.Store.
func (s *Store) StreamInputs(_ context.Context, cursor string, limit int) (store.InputPage, error) {
	var page store.InputPage
	next, err := streamRecords(filepath.Join(s.root, "events", "inputs.jsonl"), cursor, limit, func(line []byte) error {
		var e store.InputEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		page.Events = append(page.Events, e)
		return nil
	})
	if err != nil {
		return store.InputPage{}, err
	}
	page.NextCursor = next
	return page, nil
}

// StreamArtifacts implements store.Store.
func (s *Store) StreamArtifacts(_ context.Context, cursor string, limit int) (store.ArtifactPage, error) {
	var page store.ArtifactPage
	next, err := streamRecords(filepath.Join(s.root, "events", "artefacts.jsonl"), cursor, limit, func(line []byte) error {
		var e store.ArtifactEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		page.Events = append(page.Events, e)
		return nil
	})
	if err != nil {
		return store.ArtifactPage{}, err
	}
	page.NextCursor = next
	return page, nil
}

// streamRecords reads records [cursor, cursor+limit) from a JSONL file and
// returns the next cursor, empty at end of stream.
func streamRecords(path, cursor string, limit int, visit func([]byte) error) (string, error) {
	if limit <= 0 {
		return "", fmt.Errorf("limit must be positive")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	idx, read := 0, 0
	for sc.Scan() {
		if idx >= start {
			if read == limit {
				return strconv.Itoa(idx), nil
			}
			if err := visit(sc.Bytes()); err != nil {
				return "", fmt.Errorf("decode event %d: %w", idx, err)
			}
			read++
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read event log: %w", err)
	}
	return "", nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.root, "manifests", "current.json")
}

// LoadManifest implements store.Store.
func (s *Store) LoadManifest(_ context.Context) (*store.Manifest, error) {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	return s.loadManifestLocked()
}

func (s *Store) loadManifestLocked() (*store.Manifest, error) {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.NewManifest(), nil
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var m store.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Artifacts == nil {
		m.Artifacts = make(map[build.ArtifactID]store.ArtifactEvent)
	}
	return &m, nil
}

// SaveManifest implements store.Store. The previous manifest is archived
// under manifests/history before the rename.
func (s *Store) SaveManifest(_ context.Context, m *store.Manifest, previousHash string) (string, error) {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	current, err := s.loadManifestLocked()
	if err != nil {
		return "", err
	}
	if current.ManifestHash != previousHash {
		return "", fmt.Errorf("previous hash %q does not match persisted %q: %w",
			previousHash, current.ManifestHash, store.ErrConflict)
	}

	next := m.Clone()
	next.PreviousHash = previousHash
	hash, err := next.ComputeHash()
	if err != nil {
		return "", err
	}
	next.ManifestHash = hash

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if current.ManifestHash != "" {
		if err := s.archiveManifestLocked(); err != nil {
			return "", err
		}
	}
	if err := writeAtomic(s.manifestPath(), data); err != nil {
		return "", fmt.Errorf("save manifest: %w", err)
	}
	return hash, nil
}

func (s *Store) archiveManifestLocked() error {
	historyDir := filepath.Join(s.root, "manifests", "history")
	entries, err := os.ReadDir(historyDir)
	if err != nil {
		return fmt.Errorf("archive manifest: %w", err)
	}
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		return fmt.Errorf("archive manifest: %w", err)
	}
	dst := filepath.Join(historyDir, strconv.Itoa(len(entries))+".json")
	if err := writeAtomic(dst, data); err != nil {
		return fmt.Errorf("archive manifest: %w", err)
	}
	return nil
}

// SavePlan implements store.Store.
func (s *Store) SavePlan(_ context.Context, runID string, plan json.RawMessage) (string, error) {
	dir := filepath.Join(s.root, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("save plan: %w", err)
	}
	path := filepath.Join(dir, "plan.json")
	if err := writeAtomic(path, plan); err != nil {
		return "", fmt.Errorf("save plan: %w", err)
	}
	return path, nil
}

// OpenRunLog opens the append-only per-run log file.
func (s *Store) OpenRunLog(runID string) (io.WriteCloser, error) {
	path := filepath.Join(s.root, "logs", runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}

// writeAtomic writes data to a temp sibling, fsyncs, and renames over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
