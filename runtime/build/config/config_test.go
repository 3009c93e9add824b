package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build/executor"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte("storage:\n  root: /tmp/movie\n"))
	require.NoError(t, err)
	require.Equal(t, ModeSimulated, c.Mode)
	require.Equal(t, 1, c.Concurrency)
	require.Equal(t, executor.BestEffort, c.FailureMode)
}

func TestParseFullConfig(t *testing.T) {
	t.Parallel()

	doc := `
mode: live
concurrency: 4
failure_mode: fail-fast
storage:
  root: /data/movies
  base_path: promo
providers:
  openai:
    api_key_env: OPENAI_API_KEY
    requests_per_minute: 60
  bedrock:
    region: us-east-1
    max_attempts: 5
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, ModeLive, c.Mode)
	require.Equal(t, 4, c.Concurrency)
	require.Equal(t, executor.FailFast, c.FailureMode)
	require.Equal(t, "promo", c.Storage.BasePath)
	require.Equal(t, 60, c.Providers["openai"].RequestsPerMinute)
	require.Equal(t, "us-east-1", c.Providers["bedrock"].Region)
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"missing storage root", "mode: live\n", "storage root"},
		{"unknown mode", "mode: dry\nstorage:\n  root: /x\n", "unknown mode"},
		{"unknown failure mode", "failure_mode: explode\nstorage:\n  root: /x\n", "unknown failure mode"},
		{"negative concurrency", "concurrency: -1\nstorage:\n  root: /x\n", "concurrency"},
		{"negative rpm", "storage:\n  root: /x\nproviders:\n  openai:\n    requests_per_minute: -5\n", "requests_per_minute"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
