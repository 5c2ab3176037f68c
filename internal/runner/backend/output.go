package backend

import (
	"encoding/json"
	"strings"
)

// Meta is metadata extracted from an agent's JSON output envelope.
type Meta struct {
	SessionID  string
	CostUSD    float64
	TokensUsed int64
	IsError    bool
}

// ParseAgentOutput extracts the useful payload from raw agent stdout.
//
// When the whole stdout parses as a JSON envelope carrying a "result" or
// "response" string that is itself valid JSON, the inner JSON is returned.
// Any other parseable envelope passes through as the trimmed stdout. When
// the outer parse fails, the first balanced JSON object embedded in the
// noise is salvaged; failing that, the trimmed raw text is returned.
func ParseAgentOutput(raw string) (string, Meta) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", Meta{}
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
		meta := metaFrom(envelope)
		if inner, ok := innerJSONString(envelope); ok {
			return inner, meta
		}
		return trimmed, meta
	}

	if candidate := firstJSONObject(trimmed); candidate != "" {
		meta := Meta{}
		var salvaged map[string]any
		if err := json.Unmarshal([]byte(candidate), &salvaged); err == nil {
			meta = metaFrom(salvaged)
		}
		return candidate, meta
	}
	return trimmed, Meta{}
}

// innerJSONString returns the result/response string if it is itself
// valid JSON.
func innerJSONString(envelope map[string]any) (string, bool) {
	for _, key := range []string{"result", "response"} {
		value, ok := envelope[key].(string)
		if !ok {
			continue
		}
		inner := strings.TrimSpace(value)
		if inner != "" && json.Valid([]byte(inner)) {
			return inner, true
		}
	}
	return "", false
}

func metaFrom(envelope map[string]any) Meta {
	var meta Meta
	if v, ok := envelope["session_id"].(string); ok {
		meta.SessionID = v
	}
	if v, ok := envelope["total_cost_usd"].(float64); ok {
		meta.CostUSD = v
	}
	if v, ok := envelope["is_error"].(bool); ok {
		meta.IsError = v
	}
	if usage, ok := envelope["usage"].(map[string]any); ok {
		for _, key := range []string{"input_tokens", "output_tokens"} {
			if n, ok := usage[key].(float64); ok {
				meta.TokensUsed += int64(n)
			}
		}
	}
	return meta
}

// firstJSONObject returns the first balanced, valid JSON object embedded in
// s, or "" when there is none.
func firstJSONObject(s string) string {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		end := matchObject(s, start)
		if end < 0 {
			continue
		}
		candidate := s[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// matchObject scans from an opening brace to its matching close, honoring
// strings and escapes. Returns -1 when the object never closes.
func matchObject(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
