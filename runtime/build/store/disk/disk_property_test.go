package disk

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// TestPutBlobIdempotenceProperty verifies that for any byte content, writing
// the same blob repeatedly yields identical refs, reads back the original
// bytes, and grows storage at most once per hash.
func TestPutBlobIdempotenceProperty(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("putBlob(x) = putBlob(x)", prop.ForAll(
		func(data []byte) bool {
			ref1, err := s.PutBlob(ctx, data, "application/json")
			if err != nil {
				return false
			}
			before := countBlobFiles(t, s.Root())
			ref2, err := s.PutBlob(ctx, data, "application/json")
			if err != nil || ref1 != ref2 {
				return false
			}
			if countBlobFiles(t, s.Root()) != before {
				return false
			}
			got, err := s.GetBlob(ctx, ref1)
			if err != nil || len(got) != len(data) {
				return false
			}
			if ref1.Size != int64(len(data)) {
				return false
			}
			for i := range got {
				if got[i] != data[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func countBlobFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(filepath.Join(root, "blobs"), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}
