package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexTime decodes the instant encodings observed in remote key documents:
// RFC3339 strings, unix-epoch numbers, and {"seconds": N} objects. It always
// marshals back to RFC3339.
type FlexTime struct {
	t time.Time
}

// NewFlexTime wraps t.
func NewFlexTime(t time.Time) *FlexTime {
	return &FlexTime{t: t.UTC()}
}

func (f FlexTime) Time() time.Time { return f.t }

func (f FlexTime) IsZero() bool { return f.t.IsZero() }

func (f FlexTime) MarshalJSON() ([]byte, error) {
	if f.t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.t.UTC().Format(time.RFC3339))
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.t = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return fmt.Errorf("flextime: parse %q: %w", s, perr)
		}
		f.t = parsed.UTC()
		return nil
	}

	var epoch float64
	if err := json.Unmarshal(data, &epoch); err == nil {
		f.t = time.Unix(int64(epoch), 0).UTC()
		return nil
	}

	var obj struct {
		Seconds int64 `json:"seconds"`
		Nanos   int64 `json:"nanoseconds"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Seconds != 0 {
		f.t = time.Unix(obj.Seconds, obj.Nanos).UTC()
		return nil
	}

	return fmt.Errorf("flextime: unsupported encoding %s", data)
}
