package blueprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/reel/runtime/build"
)

func lookupFrom(vals map[string]build.Value) Lookup {
	return func(path string) (build.Value, bool, error) {
		v, ok := vals[path]
		return v, ok, nil
	}
}

func TestConditionEvalWhenClauses(t *testing.T) {
	t.Parallel()

	vals := map[string]build.Value{
		"Doc.Segments[0].NarrationType":    build.StringValue("TalkingHead"),
		"Doc.Segments[0].UseNarrationAudio": build.StringValue("true"),
		"Doc.Segments[0].Notes":             build.StringValue(""),
	}
	lookup := lookupFrom(vals)

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{
			"equals match",
			Condition{When: &When{Path: "Doc.Segments[0].NarrationType", Op: OpEquals, Value: "TalkingHead"}},
			true,
		},
		{
			"equals boolean coercion",
			Condition{When: &When{Path: "Doc.Segments[0].UseNarrationAudio", Op: OpEquals, Value: "true"}},
			true,
		},
		{
			"empty on empty string",
			Condition{When: &When{Path: "Doc.Segments[0].Notes", Op: OpEmpty}},
			true,
		},
		{
			"empty on absent artifact",
			Condition{When: &When{Path: "Doc.Segments[0].Missing", Op: OpEmpty}},
			true,
		},
		{
			"notEmpty on absent artifact",
			Condition{When: &When{Path: "Doc.Segments[0].Missing", Op: OpNotEmpty}},
			false,
		},
		{
			"any short-circuits",
			Condition{Any: []Condition{
				{When: &When{Path: "Doc.Segments[0].NarrationType", Op: OpEquals, Value: "TalkingHead"}},
				{When: &When{Path: "Doc.Segments[0].Missing", Op: OpNotEmpty}},
			}},
			true,
		},
		{
			"all requires every clause",
			Condition{All: []Condition{
				{When: &When{Path: "Doc.Segments[0].NarrationType", Op: OpEquals, Value: "TalkingHead"}},
				{When: &When{Path: "Doc.Segments[0].Notes", Op: OpNotEmpty}},
			}},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.cond.Eval(lookup)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestConditionValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, (&Condition{}).Validate())
	require.Error(t, (&Condition{
		When: &When{Path: "A.B", Op: OpEquals, Value: "x"},
		Any:  []Condition{{When: &When{Path: "A.B", Op: OpEmpty}}},
	}).Validate())
	require.Error(t, (&Condition{When: &When{Path: "A.B", Op: "matches", Value: "x"}}).Validate())
	require.Error(t, (&Condition{When: &When{Path: "A.B", Op: OpEquals}}).Validate())
	require.Error(t, (&Condition{When: &When{Path: "A.B", Op: OpEmpty, Value: "x"}}).Validate())
	require.NoError(t, (&Condition{Any: []Condition{
		{When: &When{Path: "A.B", Op: OpEquals, Value: "x"}},
		{When: &When{Path: "A.C", Op: OpNotEmpty}},
	}}).Validate())
}

func TestConditionRewriteSubstitutesIndices(t *testing.T) {
	t.Parallel()

	cond := &Condition{Any: []Condition{
		{When: &When{Path: "Doc.Segments.NarrationType", Op: OpEquals, Value: "TalkingHead"}},
		{When: &When{Path: "Doc.Segments.UseNarrationAudio", Op: OpEquals, Value: "true"}},
	}}
	got, err := cond.Rewrite(func(p string) (string, error) {
		return fmt.Sprintf("%s@2", p), nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"Doc.Segments.NarrationType@2",
		"Doc.Segments.UseNarrationAudio@2",
	}, got.Paths())
	// Original untouched.
	require.Equal(t, "Doc.Segments.NarrationType", cond.Any[0].When.Path)
}
