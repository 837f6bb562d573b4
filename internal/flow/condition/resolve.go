package condition

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// dangerousSegments are path segments that would reach the prototype chain
// in a dynamic-language host; rejected here so the same flow definitions stay
// portable and so no segment ever silently resolves through object internals.
var dangerousSegments = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Resolve resolves a dotted path against ctx. It returns ok=false ("missing")
// if any path segment is one of the rejected prototype-chain names, or if the
// path does not resolve to a present value.
func Resolve(ctx map[string]interface{}, path string) (value interface{}, ok bool) {
	if path == "" || ctx == nil {
		return nil, false
	}

	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		if _, dangerous := dangerousSegments[seg]; dangerous {
			return nil, false
		}
	}

	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, false
	}

	result := gjson.GetBytes(data, strings.Join(segments, "."))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// IsSafePath reports whether path contains no prototype-chain segment,
// without requiring a context to resolve against. Used by the switch-key
// evaluator to produce a "dangerous_key" error distinct from an ordinary
// miss.
func IsSafePath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return false
		}
		if _, dangerous := dangerousSegments[seg]; dangerous {
			return false
		}
	}
	return true
}
