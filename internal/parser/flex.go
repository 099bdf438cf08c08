package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// flexFloat accepts a JSON number, a numeric string ("0.8"), or a percentage ("85%").
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			// unparseable numeric strings are treated as absent
			return nil
		}
		if percent {
			v /= 100
		}
		f.Value, f.Set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	f.Value, f.Set = v, true
	return nil
}

// flexBool accepts true/false, "yes"/"no", "true"/"false", or 0/1.
type flexBool struct {
	Value bool
	Set   bool
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	switch v := raw.(type) {
	case bool:
		b.Value, b.Set = v, true
	case float64:
		b.Value, b.Set = v != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1", "detected", "present":
			b.Value, b.Set = true, true
		case "false", "no", "n", "0", "none", "absent":
			b.Value, b.Set = false, true
		}
	}
	return nil
}

// flexStrings accepts a string, a list of strings, or a list of objects.
// Objects contribute their "action", "text", "description" or "finding" value.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	*s = appendFlex(nil, raw)
	return nil
}

func appendFlex(out []string, raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	case []interface{}:
		for _, item := range v {
			out = appendFlex(out, item)
		}
	case map[string]interface{}:
		for _, key := range []string{"action", "text", "description", "finding", "recommendation", "pattern"} {
			if str, ok := v[key].(string); ok && strings.TrimSpace(str) != "" {
				return append(out, strings.TrimSpace(str))
			}
		}
	case float64, bool:
		out = append(out, fmt.Sprint(v))
	}
	return out
}

// snakeKeys rewrites every object key in v from camelCase to snake_case, recursively.
func snakeKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[toSnake(k)] = snakeKeys(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = snakeKeys(t[i])
		}
		return t
	}
	return v
}

func toSnake(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '-' || r == ' ' {
			sb.WriteByte('_')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
