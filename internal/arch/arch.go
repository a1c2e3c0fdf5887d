// Package arch normalizes CPU architecture strings reported by node agents
// into canonical identifiers so that placement can compare them with strict
// equality. There is no cross-architecture emulation: a workload built for
// x86_64 only ever lands on an x86_64 node.
package arch

import "strings"

// Canonical architecture identifiers.
const (
	X8664   = "x86_64"
	AArch64 = "aarch64"
	I686    = "i686"
	ARMv7l  = "armv7l"
)

var aliases = map[string]string{
	"x86_64":  X8664,
	"amd64":   X8664,
	"x64":     X8664,
	"aarch64": AArch64,
	"arm64":   AArch64,
	"i686":    I686,
	"i386":    I686,
	"x86":     I686,
	"armv7l":  ARMv7l,
	"armv7":   ARMv7l,
	"arm":     ARMv7l,
}

// Normalize maps an architecture string to its canonical form. Unknown
// values pass through lower-cased so two agents reporting the same unknown
// architecture still compare equal.
func Normalize(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	if canonical, ok := aliases[lower]; ok {
		return canonical
	}
	return lower
}

// Compatible reports whether a workload architecture can run on a node
// architecture. Strict equality after normalization.
func Compatible(workload, node string) bool {
	return Normalize(workload) == Normalize(node)
}
