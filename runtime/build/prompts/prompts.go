// Package prompts loads per-producer prompt overrides. A movie's prompts/
// directory may hold one TOML file per producer alias; its top-level keys
// override the blueprint's resolved literals just before payload shaping.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Overrides maps producer aliases to their override fields.
type Overrides map[string]map[string]any

// LoadDir reads every "<Alias>.toml" in dir. A missing directory yields empty
// overrides.
func LoadDir(dir string) (Overrides, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts dir %s: %w", dir, err)
	}
	out := make(Overrides)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".toml") {
			continue
		}
		alias := strings.TrimSuffix(name, ".toml")
		var fields map[string]any
		if _, err := toml.DecodeFile(filepath.Join(dir, name), &fields); err != nil {
			return nil, fmt.Errorf("parse prompt override %s: %w", name, err)
		}
		out[alias] = fields
	}
	return out, nil
}

// For returns the override fields for the alias, nil when none exist.
func (o Overrides) For(alias string) map[string]any {
	return o[alias]
}

// Merge copies resolved and applies the alias's overrides on top; an
// override always wins over the blueprint literal.
func (o Overrides) Merge(alias string, resolved map[string]any) map[string]any {
	fields := o[alias]
	if len(fields) == 0 {
		return resolved
	}
	out := make(map[string]any, len(resolved)+len(fields))
	for k, v := range resolved {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
