// Package main is the saferun-worker binary.
//
// It reads one JSON request from stdin, runs the code under the request's
// policy and writes one JSON response to the original stdout. Anything else
// the process writes goes to stderr. The exit status is one of the
// protocol.Exit* codes.
package main
