//go:build !unix

package worker

import "os"

// ReserveStdout returns the process standard output unchanged.
func ReserveStdout() (*os.File, error) {
	return os.Stdout, nil
}
