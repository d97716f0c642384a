// Package models holds the Bun ORM row shapes backing BunStore. They carry
// no domain behavior; internal/infrastructure/storage's mapping functions
// convert between these and the internal/domain aggregates.
package models

import (
	"database/sql/driver"
	"errors"
)

// RawJSON is a jsonb column holding an opaque, already-encoded document —
// the storage layer marshals/unmarshals the domain value on its own terms
// (several domain types customize their own JSON shape) and just hands the
// bytes through.
type RawJSON []byte

// Value implements driver.Valuer.
func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append(RawJSON(nil), v...)
		return nil
	case string:
		*j = RawJSON(v)
		return nil
	default:
		return errors.New("failed to scan RawJSON: unsupported type")
	}
}

// MarshalJSON/UnmarshalJSON let RawJSON round-trip transparently through
// json.Marshal/Unmarshal as well, for use in tests that build models by hand.
func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *RawJSON) UnmarshalJSON(data []byte) error {
	*j = append(RawJSON(nil), data...)
	return nil
}
