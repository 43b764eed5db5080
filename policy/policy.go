package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Mode selects allow-listing or deny-listing semantics.
type Mode string

const (
	// ModeAllow exposes only the names explicitly listed as allowed.
	ModeAllow Mode = "allow"
	// ModeRestrict exposes everything except the names explicitly blocked.
	ModeRestrict Mode = "restrict"
)

// Default values applied when a policy is built without a file.
const (
	DefaultTimeoutSeconds = 5
	DefaultMemoryLimitMB  = 256
	DefaultMaxOutputKB    = 128
)

// ReflectiveImporter is the module loading facility itself. It is denied in
// both modes because package.loaded and package.preload reach modules
// without passing through require.
const ReflectiveImporter = "package"

var (
	// ErrInvalidPolicy is wrapped by every validation failure.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrConflictingSources is returned when a policy and a policy file are both supplied.
	ErrConflictingSources = errors.New("provide either a policy or a policy file, not both")
)

// Policy describes what executed code may do and the resources it may use.
type Policy struct {
	Mode            Mode           `json:"mode"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	MemoryLimitMB   int            `json:"memory_limit_mb"`
	MaxOutputKB     int            `json:"max_output_kb"`
	AllowedImports  []string       `json:"allowed_imports"`
	BlockedImports  []string       `json:"blocked_imports"`
	AllowedBuiltins []string       `json:"allowed_builtins"`
	BlockedBuiltins []string       `json:"blocked_builtins"`
	AllowedGlobals  []string       `json:"allowed_globals"`
	BlockedGlobals  []string       `json:"blocked_globals"`
	ExtraGlobals    map[string]any `json:"extra_globals"`

	// ConfigPath names the file this policy is read from when resolved.
	ConfigPath string `json:"-"`
}

// Default returns the built-in policy used when no file or object is given.
func Default() Policy {
	return Policy{
		Mode:            ModeRestrict,
		TimeoutSeconds:  DefaultTimeoutSeconds,
		MemoryLimitMB:   DefaultMemoryLimitMB,
		MaxOutputKB:     DefaultMaxOutputKB,
		AllowedImports:  []string{},
		BlockedImports:  []string{"os", "io", "debug", ReflectiveImporter},
		AllowedBuiltins: []string{},
		BlockedBuiltins: []string{"load", "loadstring", "loadfile", "dofile", "getfenv", "setfenv"},
		AllowedGlobals:  []string{},
		BlockedGlobals:  []string{},
		ExtraGlobals:    map[string]any{},
	}
}

// Validate checks the mode and the resource ceilings.
func (p *Policy) Validate() error {
	if p.Mode != ModeAllow && p.Mode != ModeRestrict {
		return fmt.Errorf("%w: mode must be 'allow' or 'restrict', got: %q", ErrInvalidPolicy, p.Mode)
	}
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive, got: %d", ErrInvalidPolicy, p.TimeoutSeconds)
	}
	if p.MemoryLimitMB <= 0 {
		return fmt.Errorf("%w: memory_limit_mb must be positive, got: %d", ErrInvalidPolicy, p.MemoryLimitMB)
	}
	if p.MaxOutputKB <= 0 {
		return fmt.Errorf("%w: max_output_kb must be positive, got: %d", ErrInvalidPolicy, p.MaxOutputKB)
	}
	return nil
}

// Clone returns a deep copy with every list and map non-nil, so the value
// serializes to arrays and objects rather than nulls.
func (p *Policy) Clone() Policy {
	c := *p
	c.AllowedImports = cloneList(p.AllowedImports)
	c.BlockedImports = cloneList(p.BlockedImports)
	c.AllowedBuiltins = cloneList(p.AllowedBuiltins)
	c.BlockedBuiltins = cloneList(p.BlockedBuiltins)
	c.AllowedGlobals = cloneList(p.AllowedGlobals)
	c.BlockedGlobals = cloneList(p.BlockedGlobals)
	c.ExtraGlobals = map[string]any{}
	maps.Copy(c.ExtraGlobals, p.ExtraGlobals)
	return c
}

// AllowsImport reports whether the root module name may be required.
// The reflective importer is never allowed.
func (p *Policy) AllowsImport(root string) bool {
	if root == ReflectiveImporter {
		return false
	}
	return p.permits(p.AllowedImports, p.BlockedImports, root)
}

// AllowsBuiltin reports whether a base library function stays visible.
func (p *Policy) AllowsBuiltin(name string) bool {
	return p.permits(p.AllowedBuiltins, p.BlockedBuiltins, name)
}

// AllowsGlobal reports whether a pre-seeded variable may be injected.
func (p *Policy) AllowsGlobal(name string) bool {
	return p.permits(p.AllowedGlobals, p.BlockedGlobals, name)
}

func (p *Policy) permits(allowed, blocked []string, name string) bool {
	if p.Mode == ModeAllow {
		return slices.Contains(allowed, name)
	}
	return !slices.Contains(blocked, name)
}

func cloneList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
