package approval

import (
	"strings"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// DefaultKeyPrefix is the mailbox namespace used when none is configured.
const DefaultKeyPrefix = "deep-insight"

// Address returns the mailbox key a reviewer writes feedback for id to:
// <prefix>/feedback/<id>.json.
func Address(prefix string, id core.RequestID) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + "/feedback/" + string(id) + ".json"
}

// RequestFromAddress extracts the request id from a mailbox key produced by
// Address. ok is false for keys outside the feedback namespace.
func RequestFromAddress(prefix, key string) (core.RequestID, bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	rest, found := strings.CutPrefix(key, prefix+"/feedback/")
	if !found {
		return "", false
	}
	id, found := strings.CutSuffix(rest, ".json")
	if !found || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return core.RequestID(id), true
}
