package producer

import (
	"fmt"
	"strconv"
	"strings"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/blueprint"
	"goa.design/reel/runtime/build/schema"
)

// Shape builds the provider API payload from a job's resolved inputs. It
// assembles indexed slots into arrays, applies the sealed payload mappings in
// declaration order, fills schema defaults, and snaps enum-constrained fields
// to their nearest allowed value. Invalid inputs surface as user_input
// errors; they are never retried.
func Shape(provider string, resolved map[string]any, mappings []blueprint.Mapping, input *schema.Schema) (map[string]any, error) {
	payload, err := assemble(provider, resolved)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if err := applyMapping(provider, payload, m); err != nil {
			return nil, err
		}
	}
	if input != nil {
		if err := applySchema(provider, payload, input); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// assemble folds resolved slots into the payload root, growing arrays for
// indexed slots such as "SourceImages[0]".
func assemble(provider string, resolved map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(resolved))
	for slot, val := range resolved {
		if !strings.ContainsRune(slot, '[') {
			payload[slot] = val
			continue
		}
		path, err := build.ParsePath(slot)
		if err != nil || len(path) != 1 || len(path[0].Indices) != 1 {
			return nil, NewError(provider, "shape", ErrorKindUserInput,
				fmt.Sprintf("malformed input slot %q", slot), false, err)
		}
		n, ok := path[0].Indices[0].Ordinal()
		if !ok {
			return nil, NewError(provider, "shape", ErrorKindUserInput,
				fmt.Sprintf("input slot %q requires an ordinal index", slot), false, nil)
		}
		arr, _ := payload[path[0].Field].([]any)
		for len(arr) <= n {
			arr = append(arr, nil)
		}
		arr[n] = val
		payload[path[0].Field] = arr
	}
	return payload, nil
}

func applyMapping(provider string, payload map[string]any, m blueprint.Mapping) error {
	if m.When != nil {
		ok, err := m.When.Eval(payloadLookup(payload))
		if err != nil {
			return NewError(provider, "shape", ErrorKindUserInput,
				fmt.Sprintf("mapping %q condition: %v", m.Field, err), false, err)
		}
		if !ok {
			return nil
		}
	}

	var val any
	if m.From != "" {
		v, ok, err := lookupField(provider, payload, m.From)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		val = v
	}
	if m.Transform != nil {
		var err error
		if val, err = transform(provider, payload, m, val); err != nil {
			return err
		}
	}

	if m.Expand {
		obj, ok := val.(map[string]any)
		if !ok {
			return NewError(provider, "shape", ErrorKindUserInput,
				fmt.Sprintf("mapping %q expands a non-object value", m.Field), false, nil)
		}
		for k, v := range obj {
			payload[k] = v
		}
		return nil
	}
	payload[m.Field] = val
	return nil
}

func transform(provider string, payload map[string]any, m blueprint.Mapping, val any) (any, error) {
	t := m.Transform
	fail := func(format string, args ...any) error {
		return NewError(provider, "shape", ErrorKindUserInput,
			fmt.Sprintf("mapping %q: ", m.Field)+fmt.Sprintf(format, args...), false, nil)
	}
	switch t.Kind {
	case blueprint.TransformLookup:
		key := toValue(val).Text()
		mapped, ok := t.Table[key]
		if !ok {
			return nil, fail("no lookup entry for %q", key)
		}
		return mapped, nil

	case blueprint.TransformIntToString:
		f, ok := toValue(val).Float()
		if !ok {
			return nil, fail("value is not numeric")
		}
		return strconv.FormatInt(int64(f), 10), nil

	case blueprint.TransformIntToSecondsString:
		f, ok := toValue(val).Float()
		if !ok {
			return nil, fail("value is not numeric")
		}
		return fmt.Sprintf("%ds", int64(f)), nil

	case blueprint.TransformDurationToFrames:
		f, ok := toValue(val).Float()
		if !ok {
			return nil, fail("value is not numeric")
		}
		if t.FPS <= 0 {
			return nil, fail("durationToFrames requires a positive fps")
		}
		return int(f*t.FPS + 0.5), nil

	case blueprint.TransformInvert:
		b, ok := toValue(val).Bool()
		if !ok {
			return nil, fail("value is not boolean")
		}
		return !b, nil

	case blueprint.TransformFirstOf:
		arr, ok := val.([]any)
		if !ok || len(arr) == 0 {
			return nil, fail("firstOf requires a non-empty array")
		}
		return arr[0], nil

	case blueprint.TransformCombine:
		parts := make([]string, 0, len(t.Keys))
		for _, k := range t.Keys {
			v, ok, err := lookupField(provider, payload, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fail("combine key %q is absent", k)
			}
			parts = append(parts, toValue(v).Text())
		}
		key := strings.Join(parts, "|")
		mapped, ok := t.Table[key]
		if !ok {
			return nil, fail("no combine entry for %q", key)
		}
		return mapped, nil
	}
	return nil, fail("unknown transform %q", t.Kind)
}

// applySchema fills declared defaults for absent fields and snaps
// enum-constrained fields to their nearest allowed value.
func applySchema(provider string, payload map[string]any, input *schema.Schema) error {
	for name, prop := range input.Properties {
		val, present := payload[name]
		if !present {
			if prop.Default != nil {
				payload[name] = prop.Default
			}
			continue
		}
		if len(prop.Enum) == 0 {
			continue
		}
		snapped, err := prop.SnapEnum(toValue(val))
		if err != nil {
			return NewError(provider, "shape", ErrorKindUserInput,
				fmt.Sprintf("field %q: %v", name, err), false, err)
		}
		payload[name] = snapped
	}
	return nil
}

// lookupField descends the payload along a dotted, optionally indexed path.
// Out-of-bounds element access is a user error.
func lookupField(provider string, payload map[string]any, path string) (any, bool, error) {
	parsed, err := build.ParsePath(path)
	if err != nil {
		return nil, false, NewError(provider, "shape", ErrorKindUserInput,
			fmt.Sprintf("malformed path %q", path), false, err)
	}
	var cur any = payload
	for _, seg := range parsed {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = obj[seg.Field]
		if !ok {
			return nil, false, nil
		}
		for _, ix := range seg.Indices {
			n, ok := ix.Ordinal()
			if !ok {
				return nil, false, NewError(provider, "shape", ErrorKindUserInput,
					fmt.Sprintf("path %q requires ordinal indices", path), false, nil)
			}
			arr, ok := cur.([]any)
			if !ok {
				return nil, false, nil
			}
			if n >= len(arr) {
				return nil, false, NewError(provider, "shape", ErrorKindUserInput,
					fmt.Sprintf("path %q: index %d out of bounds (len %d)", path, n, len(arr)), false, nil)
			}
			cur = arr[n]
		}
	}
	return cur, true, nil
}

// payloadLookup adapts the payload to the condition evaluation contract.
func payloadLookup(payload map[string]any) blueprint.Lookup {
	return func(path string) (build.Value, bool, error) {
		v, ok, err := lookupField("shaper", payload, path)
		if err != nil || !ok {
			return build.Value{}, false, err
		}
		return toValue(v), true, nil
	}
}

func toValue(v any) build.Value {
	switch t := v.(type) {
	case build.Value:
		return t
	case string:
		return build.StringValue(t)
	case []byte:
		return build.BytesValue(t, "application/octet-stream")
	default:
		return build.JSONValue(v)
	}
}
