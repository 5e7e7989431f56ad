// Package value implements the atomic value model shared by every row in
// the execution engine: a small, precedence-ordered type lattice with an
// explicit implicit-cast relation, and a tagged-union value carrying one
// of those types plus an approximate memory footprint for buffer
// accounting.
package value

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Type is an atomic value type. ImplicitlyCastsTo consults its own
// table of implicit casts, not the declaration order.
type Type int

const (
	Datetime Type = iota
	Float
	Integer
	Boolean
	Varchar
	Any
)

func (t Type) String() string {
	switch t {
	case Datetime:
		return "DATETIME"
	case Float:
		return "FLOAT"
	case Integer:
		return "INTEGER"
	case Boolean:
		return "BOOLEAN"
	case Varchar:
		return "VARCHAR"
	case Any:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// fixedSize is the per-type footprint used for buffer accounting, in
// bytes. VARCHAR has no fixed size; its footprint is the payload length.
var fixedSize = map[Type]int{
	Datetime: 8,
	Float:    8,
	Integer:  8,
	Boolean:  1,
	Any:      16,
}

// implicitCasts enumerates the allowed implicit-cast edges, matching the
// relation BOOLEAN->{INT,FLOAT}; INT->FLOAT; DATETIME<->VARCHAR.
var implicitCasts = map[Type]map[Type]bool{
	Boolean:  {Integer: true, Float: true},
	Integer:  {Float: true},
	Datetime: {Varchar: true},
	Varchar:  {Datetime: true},
}

// ImplicitlyCastsTo reports whether a value of type t may be used where a
// value of type other is expected without an explicit cast.
func (t Type) ImplicitlyCastsTo(other Type) bool {
	if t == other || other == Any {
		return true
	}
	return implicitCasts[t][other]
}

// CanCastTo reports whether an explicit CAST from t to other is legal.
// Explicit casts additionally allow any numeric<->VARCHAR conversion.
func (t Type) CanCastTo(other Type) bool {
	if t.ImplicitlyCastsTo(other) {
		return true
	}
	numeric := func(ty Type) bool { return ty == Integer || ty == Float || ty == Boolean }
	if numeric(t) && other == Varchar {
		return true
	}
	if t == Varchar && numeric(other) {
		return true
	}
	return false
}

// Size returns the fixed per-type byte footprint. For Varchar, callers
// must add the actual payload length; Size alone returns the constant
// portion (0).
func (t Type) Size() int {
	if sz, ok := fixedSize[t]; ok {
		return sz
	}
	return 0
}

// Value is a single atomic, typed datum. A nil Raw represents SQL NULL.
type Value struct {
	Typ Type
	Raw interface{}
}

// Null constructs a NULL value of the given type.
func Null(t Type) Value { return Value{Typ: t} }

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Raw == nil }

// Int constructs an INTEGER value.
func Int(i int64) Value { return Value{Typ: Integer, Raw: i} }

// Flt constructs a FLOAT value.
func Flt(f float64) Value { return Value{Typ: Float, Raw: f} }

// Str constructs a VARCHAR value.
func Str(s string) Value { return Value{Typ: Varchar, Raw: s} }

// Bool constructs a BOOLEAN value.
func Bool(b bool) Value { return Value{Typ: Boolean, Raw: b} }

// Time constructs a DATETIME value.
func Time(t time.Time) Value { return Value{Typ: Datetime, Raw: t} }

// AsInt coerces the value to int64 using implicit-cast-compatible
// conversions (spf13/cast handles the bool/string/numeric fan-out).
func (v Value) AsInt() (int64, error) {
	if v.IsNull() {
		return 0, fmt.Errorf("value: cannot coerce NULL to INTEGER")
	}
	return cast.ToInt64E(v.Raw)
}

// AsFloat coerces the value to float64.
func (v Value) AsFloat() (float64, error) {
	if v.IsNull() {
		return 0, fmt.Errorf("value: cannot coerce NULL to FLOAT")
	}
	return cast.ToFloat64E(v.Raw)
}

// AsString coerces the value to string.
func (v Value) AsString() (string, error) {
	if v.IsNull() {
		return "", fmt.Errorf("value: cannot coerce NULL to VARCHAR")
	}
	return cast.ToStringE(v.Raw)
}

// AsBool coerces the value to bool.
func (v Value) AsBool() (bool, error) {
	if v.IsNull() {
		return false, fmt.Errorf("value: cannot coerce NULL to BOOLEAN")
	}
	return cast.ToBoolE(v.Raw)
}

// EstimatedSize returns the approximate in-memory byte footprint used by
// buffer accounting: the type's fixed size, plus the payload length for
// VARCHAR.
func (v Value) EstimatedSize() int {
	if v.Typ == Varchar {
		if s, ok := v.Raw.(string); ok {
			return len(s)
		}
		return 0
	}
	return v.Typ.Size()
}

// Compare orders two values of the same comparable family. NULL sorts
// before any non-NULL value of the same type.
func Compare(a, b Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return -1
	}
	if b.IsNull() {
		return 1
	}
	switch a.Typ {
	case Datetime:
		at, aok := a.Raw.(time.Time)
		bt, bok := b.Raw.(time.Time)
		if !aok || !bok {
			as, _ := a.AsString()
			bs, _ := b.AsString()
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	case Integer, Float, Boolean:
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	default:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
}

// Equal reports whether a and b compare equal.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Row is an ordered tuple of atomic values.
type Row []Value

// EstimatedSize returns the approximate in-memory byte footprint of the
// whole row.
func (r Row) EstimatedSize() int {
	total := 0
	for _, v := range r {
		total += v.EstimatedSize()
	}
	return total
}

// Clone returns a shallow copy of the row, safe to mutate independently
// of the original backing array.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Concat returns a new row holding the values of r followed by those of
// other — used to build the output row of a join.
func Concat(r, other Row) Row {
	out := make(Row, 0, len(r)+len(other))
	out = append(out, r...)
	out = append(out, other...)
	return out
}
