package types

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timestamp is a wall-clock instant as carried on the sync wire. Decoding is
// lenient: a malformed value yields a zero, invalid timestamp instead of an
// error, so one bad field never fails a whole snapshot.
type Timestamp struct {
	time.Time

	// Invalid marks a value that could not be parsed from the wire.
	Invalid bool
	// Raw preserves the original wire text of an invalid value.
	Raw string
}

// Now returns the current instant of the given clock as a Timestamp.
func Now(clock clockwork.Clock) Timestamp {
	return Timestamp{Time: clock.Now().UTC()}
}

// At wraps a time.Time in a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// Equal reports whether two timestamps denote the same instant and validity.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.Invalid == other.Invalid && t.Raw == other.Raw && t.Time.Equal(other.Time)
}

// MarshalJSON encodes valid timestamps as RFC3339, zero timestamps as null,
// and passes invalid values through unchanged.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Invalid {
		if t.Raw != "" {
			return []byte(t.Raw), nil
		}
		return []byte("null"), nil
	}
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC3339 strings, unix-millisecond numbers (the shape
// produced by JavaScript Date.now()), and null. Anything else is retained as
// an invalid value without an error.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	s := string(data)
	if s == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, text); perr == nil {
			t.Time = parsed.UTC()
			return nil
		}
		if parsed, perr := time.Parse(time.RFC3339, text); perr == nil {
			t.Time = parsed.UTC()
			return nil
		}
		t.Invalid = true
		t.Raw = s
		return nil
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
	t.Invalid = true
	t.Raw = s
	return nil
}
