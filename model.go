package persist

import (
	"fmt"
	"math/big"
	"strconv"
)

// Record is the flat wire representation of a model instance, keyed by
// column name.
type Record map[string]any

// Validatable is implemented by models that carry their own validation.
// Adapters fail fast on a non-nil error map before attempting any I/O.
type Validatable interface {
	HasErrors() map[string]string
}

// IDKind discriminates the serialized form of a primary key value.
type IDKind string

const (
	IDString IDKind = "string"
	IDNumber IDKind = "number"
	IDBigInt IDKind = "bigint"
)

// ID is a typed primary-key value. Serialization keeps the kind alongside
// the value so string/number/bigint keys round-trip losslessly.
type ID struct {
	Kind  IDKind `json:"type"`
	Value string `json:"value"`
}

// StringID builds a string-typed ID.
func StringID(v string) ID {
	return ID{Kind: IDString, Value: v}
}

// NumberID builds a number-typed ID.
func NumberID(v int64) ID {
	return ID{Kind: IDNumber, Value: strconv.FormatInt(v, 10)}
}

// BigIntID builds a bigint-typed ID.
func BigIntID(v *big.Int) ID {
	return ID{Kind: IDBigInt, Value: v.String()}
}

// IDFrom builds an ID from a raw primary-key value.
func IDFrom(v any) (ID, error) {
	switch val := v.(type) {
	case string:
		return StringID(val), nil
	case int:
		return NumberID(int64(val)), nil
	case int32:
		return NumberID(int64(val)), nil
	case int64:
		return NumberID(val), nil
	case float64:
		return NumberID(int64(val)), nil
	case *big.Int:
		return BigIntID(val), nil
	case ID:
		return val, nil
	}
	return ID{}, fmt.Errorf("unsupported primary key type %T", v)
}

// IsZero reports whether the ID carries no value.
func (id ID) IsZero() bool {
	return id.Kind == "" && id.Value == ""
}

func (id ID) String() string {
	return id.Value
}

// Native returns the value in its declared Go type.
func (id ID) Native() (any, error) {
	switch id.Kind {
	case IDString:
		return id.Value, nil
	case IDNumber:
		return strconv.ParseInt(id.Value, 10, 64)
	case IDBigInt:
		n, ok := new(big.Int).SetString(id.Value, 10)
		if !ok {
			return nil, fmt.Errorf("malformed bigint id %q", id.Value)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown id kind %q", id.Kind)
}

// SequenceRecord is the persisted counter backing a Sequence. It is stored
// through the normal adapter path so every backend keeps counters the same
// way: {id: "<table>_pk", current: value}.
type SequenceRecord struct {
	ID      string `db:"id" json:"id"`
	Current string `db:"current" json:"current"`
}
