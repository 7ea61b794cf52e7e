package record

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
)

// CursorKind identifies how a cursor value is ordered
type CursorKind string

// Cursor kinds
const (
	CursorNone   CursorKind = ""
	CursorInt    CursorKind = "int"
	CursorFloat  CursorKind = "float"
	CursorTime   CursorKind = "time"
	CursorString CursorKind = "string"
)

// Cursor is a typed change-cursor value. The zero Cursor is the beginning-of-time sentinel
// and sorts before every other value.
type Cursor struct {
	Kind  CursorKind `json:"kind,omitempty"`
	Value string     `json:"value,omitempty"`
}

// Beginning returns the sentinel used before the first commit of a source
func Beginning() Cursor {
	return Cursor{}
}

// IntCursor builds an integer cursor
func IntCursor(v int64) Cursor {
	return Cursor{Kind: CursorInt, Value: strconv.FormatInt(v, 10)}
}

// TimeCursor builds a timestamp cursor, normalized to UTC
func TimeCursor(v time.Time) Cursor {
	return Cursor{Kind: CursorTime, Value: v.UTC().Format(time.RFC3339Nano)}
}

// NewCursor converts a driver value into a Cursor
func NewCursor(v any) (Cursor, error) {
	switch x := v.(type) {
	case nil:
		return Cursor{}, failure.SchemaMismatch("cursor value is null")
	case Cursor:
		return x, nil
	case int:
		return IntCursor(int64(x)), nil
	case int32:
		return IntCursor(int64(x)), nil
	case int64:
		return IntCursor(x), nil
	case uint32:
		return IntCursor(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Cursor{}, failure.SchemaMismatch("cursor value %d overflows int64", x)
		}

		return IntCursor(int64(x)), nil
	case float32:
		return Cursor{Kind: CursorFloat, Value: strconv.FormatFloat(float64(x), 'g', -1, 64)}, nil
	case float64:
		return Cursor{Kind: CursorFloat, Value: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return IntCursor(i), nil
		}

		f, err := x.Float64()
		if err != nil {
			return Cursor{}, failure.SchemaMismatch("cursor value %q is not numeric", x.String())
		}

		return NewCursor(f)
	case time.Time:
		return TimeCursor(x), nil
	case *time.Time:
		if x == nil {
			return Cursor{}, failure.SchemaMismatch("cursor value is null")
		}

		return TimeCursor(*x), nil
	case string:
		return Cursor{Kind: CursorString, Value: x}, nil
	case []byte:
		return Cursor{Kind: CursorString, Value: string(x)}, nil
	default:
		return Cursor{}, failure.SchemaMismatch("unsupported cursor type %T", v)
	}
}

// IsZero reports whether c is the beginning-of-time sentinel
func (c Cursor) IsZero() bool {
	return c.Kind == CursorNone
}

// Native returns the typed value, suitable as a query argument
func (c Cursor) Native() (any, error) {
	switch c.Kind {
	case CursorNone:
		return nil, nil
	case CursorInt:
		v, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int cursor %q: %w", c.Value, err)
		}

		return v, nil
	case CursorFloat:
		v, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float cursor %q: %w", c.Value, err)
		}

		return v, nil
	case CursorTime:
		v, err := time.Parse(time.RFC3339Nano, c.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid time cursor %q: %w", c.Value, err)
		}

		return v, nil
	case CursorString:
		return c.Value, nil
	default:
		return nil, failure.SchemaMismatch("unknown cursor kind %q", c.Kind)
	}
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<beginning>"
	}

	return string(c.Kind) + ":" + c.Value
}

// Compare orders two cursors. Int and float cursors compare numerically; any other
// mix of kinds is a schema mismatch.
func Compare(a, b Cursor) (int, error) {
	switch {
	case a.IsZero() && b.IsZero():
		return 0, nil
	case a.IsZero():
		return -1, nil
	case b.IsZero():
		return 1, nil
	}

	if a.Kind != b.Kind {
		if isNumeric(a.Kind) && isNumeric(b.Kind) {
			return compareFloats(a, b)
		}

		return 0, failure.SchemaMismatch("cannot compare %s cursor with %s cursor", a.Kind, b.Kind)
	}

	av, err := a.Native()
	if err != nil {
		return 0, err
	}

	bv, err := b.Native()
	if err != nil {
		return 0, err
	}

	switch x := av.(type) {
	case int64:
		return cmp.Compare(x, bv.(int64)), nil //nolint:forcetypeassert // same kind
	case float64:
		return cmp.Compare(x, bv.(float64)), nil //nolint:forcetypeassert // same kind
	case time.Time:
		return x.Compare(bv.(time.Time)), nil //nolint:forcetypeassert // same kind
	case string:
		return cmp.Compare(x, bv.(string)), nil //nolint:forcetypeassert // same kind
	}

	return 0, failure.SchemaMismatch("unknown cursor kind %q", a.Kind)
}

// Max returns the greater of a and b
func Max(a, b Cursor) (Cursor, error) {
	order, err := Compare(a, b)
	if err != nil {
		return Cursor{}, err
	}

	if order >= 0 {
		return a, nil
	}

	return b, nil
}

func isNumeric(k CursorKind) bool {
	return k == CursorInt || k == CursorFloat
}

func compareFloats(a, b Cursor) (int, error) {
	af, err := strconv.ParseFloat(a.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric cursor %q: %w", a.Value, err)
	}

	bf, err := strconv.ParseFloat(b.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric cursor %q: %w", b.Value, err)
	}

	return cmp.Compare(af, bf), nil
}
