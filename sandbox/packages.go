package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// LuaVersion is the interpreter version keyed into environment hashes.
const LuaVersion = "5.1"

var pinnedPackage = regexp.MustCompile(`^[A-Za-z0-9_.-]+==[^=\s]+$`)

// ValidatePinnedPackages trims, de-duplicates and sorts package specs and
// rejects any that are not pinned as name==version.
func ValidatePinnedPackages(packages []string) ([]string, error) {
	var out []string
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		if !pinnedPackage.MatchString(pkg) {
			return nil, fmt.Errorf("%w: package specs must be pinned as 'name==version', got: %s", ErrInvalidPackage, pkg)
		}
		out = append(out, pkg)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// splitPackage returns the rock name and version of a validated spec.
func splitPackage(spec string) (name, version string) {
	name, version, _ = strings.Cut(spec, "==")
	return name, version
}

// EnvHash identifies an interpreter environment: the first 16 hex digits of
// sha256("<lua version>|<namespace>|<packages joined by |>").
func EnvHash(namespace string, packages []string) string {
	material := LuaVersion + "|" + namespace + "|" + strings.Join(packages, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}
