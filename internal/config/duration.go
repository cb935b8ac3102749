package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexValue is a duration field that accepts either a Go duration string
// ("5s", "2h30m") or a bare integer whose unit is field-specific
// (check_interval: milliseconds, rate_limit: seconds).
type FlexValue struct {
	raw json.RawMessage
}

func (v *FlexValue) UnmarshalJSON(b []byte) error {
	v.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (v FlexValue) MarshalJSON() ([]byte, error) {
	if len(v.raw) == 0 {
		return []byte("null"), nil
	}
	return v.raw, nil
}

func (v FlexValue) IsZero() bool { return len(v.raw) == 0 || string(v.raw) == "null" }

// Duration resolves the field. unit applies to bare integers; def is returned
// when the field was omitted.
func (v FlexValue) Duration(path string, unit, def time.Duration) (time.Duration, error) {
	if v.IsZero() {
		return def, nil
	}
	s := strings.TrimSpace(string(v.raw))

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%s: must be >= 0", path)
		}
		return time.Duration(n) * unit, nil
	}

	var str string
	if err := json.Unmarshal(v.raw, &str); err != nil {
		return 0, fmt.Errorf("%s: expected a number or duration string", path)
	}
	d, err := time.ParseDuration(strings.TrimSpace(str))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, str, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
