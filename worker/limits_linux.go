//go:build linux

package worker

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// applyAddressSpaceLimit caps RLIMIT_AS at the current address-space size
// plus memoryMB. The Go runtime reserves address space up front, so an
// absolute ceiling of memoryMB would abort the worker before user code runs.
// The result never exceeds a pre-existing hard limit.
func applyAddressSpaceLimit(memoryMB int) error {
	baseline, err := currentAddressSpace()
	if err != nil {
		return fmt.Errorf("RLIMIT_AS not applied: %w", err)
	}
	target := baseline + uint64(memoryMB)*1024*1024

	var current unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &current); err != nil {
		return fmt.Errorf("RLIMIT_AS not applied: %w", err)
	}
	if current.Max != unix.RLIM_INFINITY && current.Max < target {
		target = current.Max
	}

	limit := unix.Rlimit{Cur: target, Max: target}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &limit); err != nil {
		return fmt.Errorf("RLIMIT_AS not applied: %w", err)
	}
	return nil
}

// currentAddressSpace reads the virtual size of this process from /proc.
func currentAddressSpace() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := bytes.Fields(data)
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/self/statm contents")
	}
	pages, err := strconv.ParseUint(string(fields[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse /proc/self/statm: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil
}
