// Package main is the saferun command line tool.
//
// Usage:
//
//	saferun run script.lua --input '{"a": 1}' --policy policy.toml
//	echo 'result = 1 + 1' | saferun run --backend local
//	saferun list --json
//	saferun cleanup
//
// run prints the JSON result and exits with the run's exit_code.
package main
