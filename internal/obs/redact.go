package obs

import (
	"encoding/json"
	"strings"
)

var sensitiveKeys = []string{
	"api_key", "apikey", "x-api-key", "authorization", "auth", "token",
	"access_token", "refresh_token", "password", "secret", "bearer",
	"_user_id", "user_id_hash",
}

// RedactJSON redacts values of commonly-sensitive keys in an arbitrary JSON
// payload. No package in this module calls it; skill arguments and
// debug-recorder snapshots are not passed through it.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(redactValue(v))
	if err != nil {
		return raw
	}
	return b
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, vv := range val {
			if isSensitiveKey(k) {
				val[k] = "[REDACTED]"
			} else {
				val[k] = redactValue(vv)
			}
		}
		return val
	case []any:
		for i := range val {
			val[i] = redactValue(val[i])
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	low := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if low == s || strings.Contains(low, s) {
			return true
		}
	}
	return false
}
