package device

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Interpolation variables resolved in clientIdPattern and topic
// patterns. All except ${timestamp} resolve once at device start;
// ${timestamp} is re-resolved on every publish, so patterns containing
// it stay partially unresolved until then.
//
// Supported: ${deviceId}, ${groupId}, ${modelId}, ${timestamp} and
// ${env:NAME}.
func interpolate(pattern, deviceID, modelID, groupID string) string {
	out := pattern
	out = strings.ReplaceAll(out, "${deviceId}", deviceID)
	out = strings.ReplaceAll(out, "${modelId}", modelID)
	out = strings.ReplaceAll(out, "${groupId}", groupID)
	out = interpolateEnv(out)
	return out
}

// interpolateTimestamp resolves ${timestamp} to Unix milliseconds at
// publish time.
func interpolateTimestamp(pattern string, now time.Time) string {
	if !strings.Contains(pattern, "${timestamp}") {
		return pattern
	}
	return strings.ReplaceAll(pattern, "${timestamp}", strconv.FormatInt(now.UnixMilli(), 10))
}

// interpolateEnv resolves ${env:NAME} references. Unset variables
// resolve to the empty string.
func interpolateEnv(pattern string) string {
	for {
		start := strings.Index(pattern, "${env:")
		if start < 0 {
			return pattern
		}
		end := strings.Index(pattern[start:], "}")
		if end < 0 {
			return pattern
		}
		end += start
		name := pattern[start+len("${env:") : end]
		pattern = pattern[:start] + os.Getenv(name) + pattern[end+1:]
	}
}
