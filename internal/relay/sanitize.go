package relay

import "fmt"

// maxInlineDataLen is the largest raw data string forwarded to clients.
const maxInlineDataLen = 1000

// Sanitize returns a copy of a decoded JSON value with bulky binary content
// replaced by small placeholders. It is a pure transform over the closed JSON
// variant kinds; the input is never mutated. Image source objects become an
// "[image omitted]" marker and any base64-looking string over the limit is
// replaced with a placeholder of the same shape.
func Sanitize(v any) any {
	switch val := v.(type) {
	case nil, bool, float64, int, int64:
		return v
	case string:
		if len(val) > maxInlineDataLen && looksLikeBase64(val) {
			return fmt.Sprintf("[data omitted: %d chars]", len(val))
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	case map[string]any:
		return sanitizeObject(val)
	default:
		return v
	}
}

func sanitizeObject(obj map[string]any) map[string]any {
	typ, _ := obj["type"].(string)

	if typ == "image" {
		out := copyExcept(obj, "source")
		out["source"] = "[image omitted]"
		return out
	}
	if typ == "base64" {
		if data, ok := obj["data"].(string); ok && len(data) > maxInlineDataLen {
			out := copyExcept(obj, "data")
			out["data"] = fmt.Sprintf("[data omitted: %d chars]", len(data))
			return out
		}
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = Sanitize(v)
	}
	return out
}

func copyExcept(obj map[string]any, skip string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == skip {
			continue
		}
		out[k] = Sanitize(v)
	}
	return out
}

// looksLikeBase64 samples the string head for the base64 alphabet (standard
// and URL-safe). Whitespace disqualifies immediately.
func looksLikeBase64(s string) bool {
	sample := s
	if len(sample) > 256 {
		sample = sample[:256]
	}
	for i := 0; i < len(sample); i++ {
		c := sample[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
