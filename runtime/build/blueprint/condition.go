package blueprint

import (
	"fmt"

	"goa.design/reel/runtime/build"
)

// Op enumerates the condition clause operators.
type Op string

const (
	// OpEquals compares the artifact's text against a literal, with
	// "true"/"false" boolean coercion on both sides.
	OpEquals Op = "equals"
	// OpNotEmpty holds when the artifact has non-empty content.
	OpNotEmpty Op = "notEmpty"
	// OpEmpty holds when the artifact is absent or empty.
	OpEmpty Op = "empty"
)

type (
	// Condition is a boolean predicate over upstream artifacts: either a
	// single when-clause or an any/all combination of sub-conditions. Exactly
	// one of When, Any, All is set.
	Condition struct {
		When *When       `json:"when,omitempty"`
		Any  []Condition `json:"any,omitempty"`
		All  []Condition `json:"all,omitempty"`
	}

	// When is a single "when <path> is <literal>" clause.
	When struct {
		// Path addresses the upstream artifact, relative to the blueprint
		// ("DocProducer.Segments.NarrationType"). Dimension indices are
		// substituted per job at plan time.
		Path string `json:"path"`
		// Op selects the comparison.
		Op Op `json:"op"`
		// Value is the literal for equals comparisons.
		Value string `json:"value,omitempty"`
	}

	// Lookup resolves a condition path to its materialized value. The second
	// return is false when the artifact has no materialized value (absent or
	// skipped upstream).
	Lookup func(path string) (build.Value, bool, error)
)

// Validate checks the condition grammar: exactly one variant populated, known
// operators, and literals only on equals clauses.
func (c *Condition) Validate() error {
	populated := 0
	if c.When != nil {
		populated++
	}
	if len(c.Any) > 0 {
		populated++
	}
	if len(c.All) > 0 {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("condition must set exactly one of when, any, all")
	}
	if c.When != nil {
		if c.When.Path == "" {
			return fmt.Errorf("when clause requires a path")
		}
		switch c.When.Op {
		case OpEquals:
			if c.When.Value == "" {
				return fmt.Errorf("when %s: equals requires a literal", c.When.Path)
			}
		case OpNotEmpty, OpEmpty:
			if c.When.Value != "" {
				return fmt.Errorf("when %s: %s takes no literal", c.When.Path, c.When.Op)
			}
		default:
			return fmt.Errorf("when %s: unknown operator %q", c.When.Path, c.When.Op)
		}
		return nil
	}
	for i := range c.Any {
		if err := c.Any[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.All {
		if err := c.All[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Paths returns every artifact path referenced by the condition tree.
func (c *Condition) Paths() []string {
	var out []string
	c.walk(func(w *When) { out = append(out, w.Path) })
	return out
}

func (c *Condition) walk(fn func(*When)) {
	if c.When != nil {
		fn(c.When)
		return
	}
	for i := range c.Any {
		c.Any[i].walk(fn)
	}
	for i := range c.All {
		c.All[i].walk(fn)
	}
}

// Rewrite returns a copy of the condition with every clause path transformed
// by fn. The planner uses this to substitute dimension indices per job.
func (c *Condition) Rewrite(fn func(path string) (string, error)) (*Condition, error) {
	if c == nil {
		return nil, nil
	}
	out := Condition{}
	if c.When != nil {
		p, err := fn(c.When.Path)
		if err != nil {
			return nil, err
		}
		w := *c.When
		w.Path = p
		out.When = &w
		return &out, nil
	}
	for i := range c.Any {
		sub, err := c.Any[i].Rewrite(fn)
		if err != nil {
			return nil, err
		}
		out.Any = append(out.Any, *sub)
	}
	for i := range c.All {
		sub, err := c.All[i].Rewrite(fn)
		if err != nil {
			return nil, err
		}
		out.All = append(out.All, *sub)
	}
	return &out, nil
}

// Eval evaluates the condition against materialized artifacts. Any/all
// combinators short-circuit. A when-clause over an absent artifact holds only
// for the empty operator.
func (c *Condition) Eval(lookup Lookup) (bool, error) {
	switch {
	case c.When != nil:
		return c.When.eval(lookup)
	case len(c.Any) > 0:
		for i := range c.Any {
			ok, err := c.Any[i].Eval(lookup)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		for i := range c.All {
			ok, err := c.All[i].Eval(lookup)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}

func (w *When) eval(lookup Lookup) (bool, error) {
	v, present, err := lookup(w.Path)
	if err != nil {
		return false, fmt.Errorf("condition path %s: %w", w.Path, err)
	}
	switch w.Op {
	case OpEmpty:
		return !present || v.Empty(), nil
	case OpNotEmpty:
		return present && !v.Empty(), nil
	case OpEquals:
		if !present {
			return false, nil
		}
		if want, ok := boolLiteral(w.Value); ok {
			if got, ok := v.Bool(); ok {
				return got == want, nil
			}
		}
		return v.Text() == w.Value, nil
	default:
		return false, fmt.Errorf("condition path %s: unknown operator %q", w.Path, w.Op)
	}
}

func boolLiteral(s string) (bool, bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
