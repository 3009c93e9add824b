package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/store"
)

func TestPutBlobIsIdempotentAndAddressable(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("a narration line")
	ref1, err := s.PutBlob(ctx, data, "text/plain")
	require.NoError(t, err)
	ref2, err := s.PutBlob(ctx, data, "text/plain")
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), ref1.Hash)
	require.Equal(t, int64(len(data)), ref1.Size)

	got, err := s.GetBlob(ctx, ref1)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Stored under blobs/<hh>/<hash>.<ext>.
	path := filepath.Join(s.Root(), "blobs", ref1.Hash[:2], ref1.Hash+".txt")
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestGetBlobMissingIsNotFound(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetBlob(context.Background(), store.BlobRef{Hash: "deadbeefdeadbeef", MimeType: "text/plain"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestArtifactEventStreamIsOrderedAndRestartable(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendArtifactEvent(ctx, store.ArtifactEvent{
			ArtifactID: build.NewArtifactID("Doc", mustPath(t, "Segments["+string(rune('0'+i))+"].Text")),
			Revision:   "rev-1",
			Status:     store.StatusSucceeded,
			ProducedBy: "Producer:Doc",
			CreatedAt:  time.Unix(int64(i), 0).UTC(),
		}))
	}

	page1, err := s.StreamArtifacts(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, page1.Events, 3)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := s.StreamArtifacts(ctx, page1.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	require.Empty(t, page2.NextCursor)
	require.Equal(t, time.Unix(3, 0).UTC(), page2.Events[0].CreatedAt)

	// Restart from the same cursor yields the same page.
	again, err := s.StreamArtifacts(ctx, page1.NextCursor, 10)
	require.NoError(t, err)
	require.Equal(t, page2, again)
}

func TestSaveManifestEnforcesOptimisticConcurrency(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	m := store.NewManifest()
	m.Apply(store.ArtifactEvent{
		ArtifactID: "Artifact:Doc.Title",
		Status:     store.StatusSucceeded,
		ProducedBy: "Producer:Doc",
	})
	hash1, err := s.SaveManifest(ctx, m, "")
	require.NoError(t, err)
	require.NotEmpty(t, hash1)

	// Stale save refused.
	_, err = s.SaveManifest(ctx, m, "")
	require.ErrorIs(t, err, store.ErrConflict)

	// Chained save succeeds and archives the predecessor.
	hash2, err := s.SaveManifest(ctx, m, hash1)
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)

	loaded, err := s.LoadManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, hash2, loaded.ManifestHash)
	require.Equal(t, hash1, loaded.PreviousHash)

	_, err = os.Stat(filepath.Join(s.Root(), "manifests", "history", "0.json"))
	require.NoError(t, err)
}

func TestConcurrentSavesYieldExactlyOneSuccess(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := store.NewManifest()
	hash, err := s.SaveManifest(ctx, base, "")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := store.NewManifest()
			m.Apply(store.ArtifactEvent{
				ArtifactID: build.ArtifactID("Artifact:Doc.Title"),
				Status:     store.StatusSucceeded,
				Revision:   string(rune('a' + i)),
			})
			_, errs[i] = s.SaveManifest(ctx, m, hash)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, store.ErrConflict)
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestOpenSweepsAbandonedTempWrites(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.SaveManifest(ctx, store.NewManifest(), "")
	require.NoError(t, err)

	abandoned := filepath.Join(root, "manifests", tmpPrefix+"current.json-123")
	require.NoError(t, os.WriteFile(abandoned, []byte("partial"), 0o644))

	_, err = Open(root)
	require.NoError(t, err)
	_, err = os.Stat(abandoned)
	require.True(t, os.IsNotExist(err))

	// Live manifest untouched.
	m, err := s.LoadManifest(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, m.ManifestHash)
}

func TestSavePlanWritesRunDirectory(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)

	raw := json.RawMessage(`{"layers":[]}`)
	path, err := s.SavePlan(context.Background(), "20260826T120000Z", raw)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.Root(), "runs", "20260826T120000Z", "plan.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(data))
}

func mustPath(t *testing.T, s string) build.Path {
	t.Helper()
	p, err := build.ParsePath(s)
	require.NoError(t, err)
	return p
}
