package subsystem

import (
	"github.com/framectl/framectl/internal/protocol"
)

// Status documents arrive as decoded JSON, so numbers may be float64, int or
// int64 depending on the path they took. These helpers normalise the values
// the aggregation relies on.

func toDocument(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case protocol.Params:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
