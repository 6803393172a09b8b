package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Args is a decoded tool-call argument object.
type Args map[string]any

// ParseArgs decodes arguments, which must be a JSON object. Empty input is
// treated as {}.
func ParseArgs(raw json.RawMessage) (Args, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args == nil {
		return Args{}, nil
	}
	return args, nil
}

// String returns a string argument.
func (a Args) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// RequiredString returns a non-empty string argument or an error naming it.
func (a Args) RequiredString(key string) (string, error) {
	s, ok := a.String(key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// Int returns an integer argument. JSON numbers decode as float64.
func (a Args) Int(key string) (int, bool) {
	switch n := a[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Bool returns a boolean argument.
func (a Args) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}
