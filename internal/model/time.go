package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// timeLayout is the wire format used for every TEXT timestamp column in the
// landscape schema. RFC3339Nano sorts lexicographically in the same order
// as chronologically, so ORDER BY on these columns needs no special casing.
const timeLayout = time.RFC3339Nano

// Time adapts time.Time to scan cleanly out of the portable TEXT timestamp
// columns shared by the sqlite and Postgres backends: sqlite's driver hands
// back a string, Postgres' driver hands back a time.Time, and Time.Scan
// accepts either.
type Time struct {
	time.Time
}

// Scan implements sql.Scanner.
func (t *Time) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case string:
		parsed, err := time.Parse(timeLayout, v)
		if err != nil {
			return fmt.Errorf("model: parse timestamp %q: %w", v, err)
		}
		t.Time = parsed
		return nil
	case []byte:
		parsed, err := time.Parse(timeLayout, string(v))
		if err != nil {
			return fmt.Errorf("model: parse timestamp %q: %w", string(v), err)
		}
		t.Time = parsed
		return nil
	default:
		return fmt.Errorf("model: cannot scan %T into Time", src)
	}
}

// Value implements driver.Valuer.
func (t Time) Value() (driver.Value, error) {
	if t.Time.IsZero() {
		return nil, nil
	}
	return t.Time.UTC().Format(timeLayout), nil
}
