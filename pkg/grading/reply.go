package grading

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNotJSONObject is returned when a reply is not a JSON object.
var ErrNotJSONObject = errors.New("reply is not a JSON object")

// ParseObject parses a reply as a JSON object. A surrounding ```json fence
// is stripped first.
func ParseObject(reply string) (map[string]json.RawMessage, error) {
	cleaned := cleanJSONBlock(reply)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, ErrNotJSONObject
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJSONObject, err)
	}

	if obj == nil {
		return nil, ErrNotJSONObject
	}

	return obj, nil
}

// IsJSONObject reports whether reply parses as a JSON object.
func IsJSONObject(reply string) bool {
	_, err := ParseObject(reply)

	return err == nil
}

func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	return strings.TrimSpace(text)
}

// ExtractCount returns the first of fields holding a non-negative integer,
// either as a JSON number with no fraction or as a string.
func ExtractCount(obj map[string]json.RawMessage, fields ...string) (int, bool) {
	for _, field := range fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}

		if n, ok := parseCount(raw); ok {
			return n, true
		}
	}

	return 0, false
}

func parseCount(raw json.RawMessage) (int, bool) {
	if string(raw) == "null" {
		return 0, false
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num < 0 || num != math.Trunc(num) || num > math.MaxInt32 {
			return 0, false
		}

		return int(num), true
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}
