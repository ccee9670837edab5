package optional

import (
	"bytes"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Opt holds a value that may be missing, such as a packet loss figure the
// measurement tool did not report.
type Opt[T any] struct {
	value    T
	hasValue bool
}

var errMissingValue = errors.New("cannot get missing value")

func New[T any](value T) Opt[T] {
	return Opt[T]{
		value:    value,
		hasValue: true,
	}
}

func Empty[T any]() Opt[T] {
	return Opt[T]{}
}

// FromPtr maps nil to an empty Opt.
func FromPtr[T any](p *T) Opt[T] {
	if p == nil {
		return Empty[T]()
	}
	return New(*p)
}

func (o Opt[T]) Has() bool {
	return o.hasValue
}

func (o Opt[T]) Get() (T, error) {
	if !o.hasValue {
		return o.value, errMissingValue
	}
	return o.value, nil
}

func (o Opt[T]) Else(e T) T {
	if o.hasValue {
		return o.value
	}
	return e
}

// Implements the Scanner interface in order to scan nullable SQLite columns
func (o *Opt[T]) Scan(src any) error {
	var v sql.Null[T]
	if err := v.Scan(src); err != nil {
		return err
	}

	*o = Opt[T]{value: v.V, hasValue: v.Valid}
	return nil
}

// Implements the Valuer interface in order to write NULL for missing values
func (o Opt[T]) Value() (driver.Value, error) {
	if !o.hasValue {
		return nil, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(o.value)
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.hasValue {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Empty[T]()
		return nil
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = New(v)
	return nil
}

func (o Opt[T]) String() string {
	if !o.hasValue {
		return "empty"
	}
	return fmt.Sprintf("%v", o.value)
}
