package pool

import (
	"strings"

	"github.com/samber/oops"
)

// Kind selects one of the independently sized pools.
type Kind int

const (
	// Read serves request/reply lookups
	Read Kind = iota
	// Write serves updates
	Write
	// Bulk serves large batch traffic
	Bulk
)

// Kinds lists every pool kind in a stable order.
var Kinds = []Kind{Read, Write, Bulk}

// String returns the lower-case name of the kind
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// ParseKind converts a name such as "read" into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "bulk":
		return Bulk, nil
	}
	return 0, oops.
		Code("INVALID_KIND").
		In("pool").
		With("kind", s).
		Errorf("unknown pool kind %q", s)
}
