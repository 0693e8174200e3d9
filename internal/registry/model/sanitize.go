package model

import "strings"

// RedactedValue replaces metadata values whose key looks sensitive.
const RedactedValue = "[REDACTED]"

var sensitiveKeyFragments = []string{"password", "secret", "token", "key", "credential"}

// SanitizeMetadata returns a copy of metadata with values redacted wherever
// the key contains a sensitive fragment (case-insensitive), recursing into
// nested maps. This keeps credential material accidentally embedded in a
// specification's metadata out of the catalog.
func SanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	sanitized := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if isSensitiveKey(key) {
			sanitized[key] = RedactedValue
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			sanitized[key] = SanitizeMetadata(nested)
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
