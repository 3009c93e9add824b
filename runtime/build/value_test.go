package build

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueCoercions(t *testing.T) {
	t.Parallel()

	b, ok := StringValue("true").Bool()
	require.True(t, ok)
	require.True(t, b)

	b, ok = JSONValue(false).Bool()
	require.True(t, ok)
	require.False(t, b)

	_, ok = StringValue("yes").Bool()
	require.False(t, ok)

	f, ok := JSONValue(float64(6)).Float()
	require.True(t, ok)
	require.Equal(t, float64(6), f)

	f, ok = StringValue("4.5").Float()
	require.True(t, ok)
	require.Equal(t, 4.5, f)

	require.True(t, StringValue("").Empty())
	require.True(t, JSONValue([]any{}).Empty())
	require.False(t, JSONValue([]any{"x"}).Empty())
	require.Equal(t, `{"a":1}`, JSONValue(map[string]any{"a": float64(1)}).Text())
}

func TestFanInSequenceIsRestartable(t *testing.T) {
	t.Parallel()

	calls := 0
	seq := NewFanInSequence(
		[]ArtifactID{"Artifact:A.Out", "Artifact:B.Out"},
		func(_ context.Context, id ArtifactID) (Value, error) {
			calls++
			return StringValue(string(id)), nil
		},
	)

	ctx := context.Background()
	first, err := seq.Values(ctx)
	require.NoError(t, err)
	second, err := seq.Values(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 4, calls, "each walk re-resolves every member")
	require.Equal(t, 2, seq.Len())
}
