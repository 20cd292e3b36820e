package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a provider reference, keeping its type prefix and last
// four characters: "pm_1Nabcd1234" becomes "pm_****1234".
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskKeys masks the string values stored under keys in place.
func MaskKeys(metadata map[string]any, keys ...string) {
	for _, key := range keys {
		if v, ok := metadata[key].(string); ok {
			metadata[key] = MaskSecret(v)
		}
	}
}

func splitPrefix(value string) (string, string) {
	idx := strings.Index(value, "_")
	if idx <= 0 || idx == len(value)-1 {
		return "", value
	}
	return value[:idx+1], value[idx+1:]
}
