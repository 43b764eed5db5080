// Package policy defines the rules that govern one sandboxed execution.
//
// A Policy combines allow/deny lists for imports, builtins and pre-seeded
// globals with resource ceilings (timeout, memory, output size). Policies are
// built from Default(), from a document on disk, or supplied directly, and are
// treated as immutable values once resolved.
//
// Usage:
//
//	defaults, err := policy.LoadFile("policy.toml")
//	p, err := policy.Resolve(nil, "", defaults)
//	if p.AllowsImport("string") {
//	    // ...
//	}
package policy
