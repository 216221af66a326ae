package engine

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config is the structured configuration handed to block factories. Decoding
// raw files into a Config is the caller's job; factories only read typed keys.
type Config map[string]interface{}

// ConfigError reports an invalid block configuration.
type ConfigError struct {
	TypeID  string
	Key     string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	prefix := "invalid config"
	if e.TypeID != "" {
		prefix = fmt.Sprintf("invalid config for %q", e.TypeID)
	}
	if e.Key != "" {
		prefix = fmt.Sprintf("%s key %q", prefix, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

func keyError(key, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Value returns the raw value stored under key.
func (c Config) Value(key string) (interface{}, bool) {
	v, ok := c[key]
	return v, ok
}

// String returns a string value or def when the key is absent.
func (c Config) String(key, def string) (string, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", keyError(key, "expected string, got %T", raw)
	}
	return s, nil
}

// RequireString returns a non-empty string value.
func (c Config) RequireString(key string) (string, error) {
	s, err := c.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", keyError(key, "is required")
	}
	return s, nil
}

// Int returns an integer value or def when the key is absent.
func (c Config) Int(key string, def int) (int, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, keyError(key, "expected integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, keyError(key, "expected integer, got %T", raw)
	}
}

// Float returns a float value or def when the key is absent.
func (c Config) Float(key string, def float64) (float64, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, keyError(key, "expected number, got %T", raw)
	}
}

// Bool returns a boolean value or def when the key is absent.
func (c Config) Bool(key string, def bool) (bool, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, keyError(key, "expected bool, got %T", raw)
	}
	return b, nil
}

// Duration returns a duration value or def when the key is absent. Strings
// use time.ParseDuration syntax; bare numbers are seconds.
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, &ConfigError{Key: key, Message: "invalid duration", Err: err}
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, keyError(key, "expected duration, got %T", raw)
	}
}

// Strings returns a list of strings. A single string is returned as a one
// element list.
func (c Config) Strings(key string) ([]string, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, keyError(key, "item %d: expected string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, keyError(key, "expected list of strings, got %T", raw)
	}
}

// StringMap returns a string to string mapping.
func (c Config) StringMap(key string) (map[string]string, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, keyError(key, "entry %q: expected string, got %T", k, item)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, keyError(key, "expected mapping, got %T", raw)
	}
}

// withType fills in the type id of a factory error.
func withType(typeID string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		if ce.TypeID == "" {
			ce.TypeID = typeID
		}
		return ce
	}
	return &ConfigError{TypeID: typeID, Message: "factory failed", Err: err}
}
