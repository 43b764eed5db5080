//go:build !linux

package worker

import (
	"fmt"
	"runtime"
)

func applyAddressSpaceLimit(int) error {
	return fmt.Errorf("RLIMIT_AS limits unavailable on %s", runtime.GOOS)
}
