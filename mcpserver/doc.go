// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the runner as the run_code tool using the
// mark3labs/mcp-go library. With a container backend it also exposes
// list_managed_containers and cleanup_managed_containers, which only ever
// touch resources labeled as managed by saferun.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, runner, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
