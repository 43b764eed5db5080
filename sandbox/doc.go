// Package sandbox launches the worker inside an isolation primitive and
// normalizes what happens there into an ExecutionOutcome.
//
// Two engines are provided. LocalEngine runs the worker as a subprocess in
// its own process group with a minimal environment. ContainerEngine drives
// the docker or podman CLI and leases hardened, network-less containers
// from a Pool that rotates them by run count and age. Engines never return
// errors from Execute: timeouts (124) and unavailable infrastructure (125)
// are outcomes.
//
// Every container and image the package creates carries the
// io.saferun.managed label, and the management calls refuse to touch
// anything without it.
//
// Usage:
//
//	engine, err := sandbox.NewEngine(logger, sandbox.Settings{Container: cfg}, "docker")
//	outcome := engine.Execute(ctx, sandbox.ExecutionRequest{
//	    Payload:        protocol.NewRequest("result = 1 + 1", nil, policy.Default()),
//	    TimeoutSeconds: 5,
//	})
package sandbox
