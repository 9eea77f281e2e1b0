package vault

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var timeStringRE = regexp.MustCompile(`^\d+(?:\.\d+)?[smhd]?$`)

// ParseTimeString converts a time string with an optional unit suffix
// (s/m/h/d) into seconds. Numeric values pass through unchanged.
func ParseTimeString(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(math.Round(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: invalid time value %q", ErrInvocation, t.String())
		}
		return int64(math.Round(f)), nil
	case string:
		if !timeStringRE.MatchString(t) {
			return 0, fmt.Errorf("%w: invalid time string %q", ErrInvocation, t)
		}
		mult := int64(1)
		num := t
		switch t[len(t)-1] {
		case 's':
			num = t[:len(t)-1]
		case 'm':
			mult = 60
			num = t[:len(t)-1]
		case 'h':
			mult = 3600
			num = t[:len(t)-1]
		case 'd':
			mult = 86400
			num = t[:len(t)-1]
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid time string %q", ErrInvocation, t)
		}
		return int64(math.Round(f * float64(mult))), nil
	default:
		return 0, fmt.Errorf("%w: unsupported time value type %T", ErrInvocation, v)
	}
}

// parseTimestamp coerces an API-reported time value into unix seconds.
// Accepts integer epoch seconds, floats, numeric strings and RFC3339.
func parseTimestamp(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(math.Round(t)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		if f, err := t.Float64(); err == nil {
			return int64(math.Round(f)), nil
		}
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrInvocation, t.String())
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(math.Round(f)), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.Unix(), nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.Unix(), nil
		}
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrInvocation, t)
	default:
		return 0, fmt.Errorf("%w: unsupported timestamp type %T", ErrInvocation, v)
	}
}

// parseSeconds coerces an API-reported duration value into seconds.
func parseSeconds(v any) (int64, error) {
	if s, ok := v.(string); ok {
		return ParseTimeString(s)
	}
	return parseTimestamp(v)
}

// parseCount coerces an API-reported counter value into an int.
func parseCount(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		i, _ := t.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(t)
		return i
	default:
		return 0
	}
}
