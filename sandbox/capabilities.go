package sandbox

import "fmt"

// Capabilities describes what a backend enforces.
type Capabilities struct {
	ImportBlocking  bool `json:"import_blocking"`
	BuiltinBlocking bool `json:"builtin_blocking"`
	MemoryLimit     bool `json:"memory_limit"`
	Timeout         bool `json:"timeout"`
	Pooling         bool `json:"pooling"`
	Packages        bool `json:"packages"`
	RemoteTargeting bool `json:"remote_targeting"`
	// ContainerIsolation is false when the worker shares the host kernel
	// namespaces with the caller.
	ContainerIsolation bool `json:"container_isolation"`
}

// CapabilitiesFor returns the capabilities of a backend. Unknown backends
// report none.
func CapabilitiesFor(backend string) Capabilities {
	switch backend {
	case BackendLocal:
		return Capabilities{
			ImportBlocking:  true,
			BuiltinBlocking: true,
			MemoryLimit:     true,
			Timeout:         true,
			Packages:        true,
		}
	case BackendDocker, BackendPodman:
		return Capabilities{
			ImportBlocking:     true,
			BuiltinBlocking:    true,
			MemoryLimit:        true,
			Timeout:            true,
			Pooling:            true,
			Packages:           true,
			RemoteTargeting:    true,
			ContainerIsolation: true,
		}
	default:
		return Capabilities{}
	}
}

// Preflight rejects backends that cannot enforce a policy.
func Preflight(backend string) error {
	caps := CapabilitiesFor(backend)
	if !caps.ImportBlocking || !caps.BuiltinBlocking || !caps.Timeout {
		return fmt.Errorf("backend %q cannot enforce the execution policy", backend)
	}
	return nil
}
