package providers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexNumber decodes JSON numbers that platforms send either as numbers or
// as quoted strings.
type FlexNumber float64

func (n *FlexNumber) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "" || text == "null" {
		*n = 0
		return nil
	}
	text = strings.Trim(text, `"`)
	if text == "" || text == "-" {
		*n = 0
		return nil
	}
	parsed, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("providers: invalid number %q", text)
	}
	*n = FlexNumber(parsed)
	return nil
}

func (n FlexNumber) Float64() float64 { return float64(n) }

func (n FlexNumber) Int64() int64 { return int64(n) }

// ParseInt64 reads loosely typed JSON values as an integer, returning zero
// when the value cannot be interpreted.
func ParseInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return parsed
		}
		floatParsed, floatErr := typed.Float64()
		if floatErr == nil {
			return int64(floatParsed)
		}
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case map[string]any, []any:
		return ""
	default:
		if value == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(value))
	}
}
