package audit

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"
)

const (
	// RedactedMarker replaces values under sensitive keys.
	RedactedMarker = "[REDACTED]"
	// TruncatedMarker replaces containers nested deeper than MaxRedactDepth.
	TruncatedMarker = "[TRUNCATED]"
	// UnserializableMarker replaces values that cannot be normalised to JSON.
	UnserializableMarker = "[UNSERIALIZABLE]"

	// MaxRedactDepth bounds how many container levels are walked.
	MaxRedactDepth = 16
)

var sensitiveTerms = []string{
	"password",
	"token",
	"api_key",
	"secret",
	"credit_card",
	"ssn",
	"social_security",
	"bank_account",
}

// IsSensitiveKey reports whether key names a value that must not be stored.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Redact returns a copy of meta with sensitive values replaced. The input is
// never modified.
func Redact(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	return redactMap(meta, 0)
}

// SanitizeText makes s storable in a Postgres text or jsonb column: invalid
// UTF-8 becomes U+FFFD and NUL bytes are removed.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return s
}

func redactMap(m map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[SanitizeText(k)] = RedactedMarker
			continue
		}
		out[SanitizeText(k)] = redactValue(v, depth+1)
	}
	return out
}

// redactValue walks v by kind: scalars pass through, maps and slices are
// rebuilt, anything else is normalised through JSON first. Scalars JSON
// cannot encode become UnserializableMarker.
func redactValue(v any, depth int) any {
	switch t := v.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t
	case string:
		return SanitizeText(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return UnserializableMarker
		}
		return t
	case float32:
		if f := float64(t); math.IsNaN(f) || math.IsInf(f, 0) {
			return UnserializableMarker
		}
		return t
	case json.Number:
		if _, err := json.Marshal(t); err != nil {
			return UnserializableMarker
		}
		return t
	case time.Time:
		if y := t.Year(); y < 0 || y > 9999 {
			return UnserializableMarker
		}
		return t
	}
	if depth >= MaxRedactDepth {
		return TruncatedMarker
	}
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, depth)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return redactMap(m, depth)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = SanitizeText(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return UnserializableMarker
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return UnserializableMarker
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return UnserializableMarker
	}
	return redactValue(generic, depth)
}
