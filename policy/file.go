package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var knownFields = map[string]bool{
	"mode":             true,
	"timeout_seconds":  true,
	"memory_limit_mb":  true,
	"max_output_kb":    true,
	"allowed_imports":  true,
	"blocked_imports":  true,
	"allowed_builtins": true,
	"blocked_builtins": true,
	"allowed_globals":  true,
	"blocked_globals":  true,
	"extra_globals":    true,
}

// LoadFile reads a policy document. A missing file yields Default().
// The format follows the extension: .yaml/.yml, .json, anything else TOML.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		err = toml.Unmarshal(data, &raw)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidPolicy, path, err)
	}

	p, err := FromMap(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	p.ConfigPath = path
	return p, nil
}

// FromMap builds a policy from a decoded document. The "policy" table is
// used when present, otherwise the document's top level. Scalars absent from
// the table take the default values; absent lists are empty.
func FromMap(raw map[string]any) (Policy, error) {
	return FromMapOver(Policy{
		Mode:            ModeRestrict,
		TimeoutSeconds:  DefaultTimeoutSeconds,
		MemoryLimitMB:   DefaultMemoryLimitMB,
		MaxOutputKB:     DefaultMaxOutputKB,
		AllowedImports:  []string{},
		BlockedImports:  []string{},
		AllowedBuiltins: []string{},
		BlockedBuiltins: []string{},
		AllowedGlobals:  []string{},
		BlockedGlobals:  []string{},
		ExtraGlobals:    map[string]any{},
	}, raw)
}

// FromMapOver overlays the keys present in raw onto base. Every field absent
// from raw, lists included, keeps the value of base.
func FromMapOver(base Policy, raw map[string]any) (Policy, error) {
	table := raw
	if nested, ok := raw["policy"]; ok {
		t, ok := asTable(nested)
		if !ok {
			return Policy{}, fmt.Errorf("%w: 'policy' must be a table", ErrInvalidPolicy)
		}
		table = t
	}

	var unknown []string
	for key := range table {
		if !knownFields[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Policy{}, fmt.Errorf("%w: unknown fields: %s", ErrInvalidPolicy, strings.Join(unknown, ", "))
	}

	p := base.Clone()
	p.ConfigPath = ""

	if v, ok := table["mode"]; ok {
		s, ok := v.(string)
		if !ok {
			return Policy{}, fmt.Errorf("%w: 'mode' must be a string", ErrInvalidPolicy)
		}
		p.Mode = Mode(s)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"timeout_seconds", &p.TimeoutSeconds},
		{"memory_limit_mb", &p.MemoryLimitMB},
		{"max_output_kb", &p.MaxOutputKB},
	}
	for _, f := range ints {
		v, ok := table[f.key]
		if !ok {
			continue
		}
		n, ok := asInt(v)
		if !ok {
			return Policy{}, fmt.Errorf("%w: '%s' must be an integer", ErrInvalidPolicy, f.key)
		}
		*f.dst = n
	}

	lists := []struct {
		key string
		dst *[]string
	}{
		{"allowed_imports", &p.AllowedImports},
		{"blocked_imports", &p.BlockedImports},
		{"allowed_builtins", &p.AllowedBuiltins},
		{"blocked_builtins", &p.BlockedBuiltins},
		{"allowed_globals", &p.AllowedGlobals},
		{"blocked_globals", &p.BlockedGlobals},
	}
	for _, f := range lists {
		v, ok := table[f.key]
		if !ok {
			continue
		}
		out, err := listOfStrings(v, f.key)
		if err != nil {
			return Policy{}, err
		}
		*f.dst = out
	}

	if v, ok := table["extra_globals"]; ok && v != nil {
		t, ok := asTable(v)
		if !ok {
			return Policy{}, fmt.Errorf("%w: 'extra_globals' must be a table", ErrInvalidPolicy)
		}
		p.ExtraGlobals = t
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Resolve picks the policy for one run. Supplying both an object and a file
// is a configuration error. An object carrying ConfigPath is re-read from
// that file; with neither source the injected defaults are used.
func Resolve(p *Policy, file string, defaults Policy) (Policy, error) {
	switch {
	case p != nil && file != "":
		return Policy{}, ErrConflictingSources
	case p != nil && p.ConfigPath != "":
		return LoadFile(p.ConfigPath)
	case p != nil:
		if err := p.Validate(); err != nil {
			return Policy{}, err
		}
		return p.Clone(), nil
	case file != "":
		return LoadFile(file)
	default:
		return defaults.Clone(), nil
	}
}

func listOfStrings(v any, field string) ([]string, error) {
	if v == nil {
		return []string{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: '%s' must be a list of strings", ErrInvalidPolicy, field)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: '%s' must contain only strings", ErrInvalidPolicy, field)
		}
		out = append(out, s)
	}
	return out, nil
}

func asTable(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
