// Package main is the entry point for the saferun MCP server.
//
// The server exposes the runner as MCP tools over stdio or HTTP. Engines,
// the container pool reaper and the Prometheus endpoint are wired with
// Uber's fx framework, with zap for structured logging and viper for
// configuration.
package main
