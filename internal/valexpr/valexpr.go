// Package valexpr compiles validated value-expression trees into Go
// closures over one or more input rows. This replaces the source
// system's pattern of lowering expressions to source-code strings and
// invoking an interpreter on them: here, compilation builds a closure
// tree once, and evaluation is a direct call with no further
// dispatch-by-string.
package valexpr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/relational-db/queryexec/internal/value"
)

// Env is the argument to a compiled evaluator: one row per operator
// input, addressed by input index (row0, row1, ... in spec terms).
type Env []value.Row

// Fn is a compiled scalar expression: given the input rows, produce a
// value or an evaluation error (an execution error per spec §7).
type Fn func(Env) (value.Value, error)

// Expr is an uncompiled, validated expression tree node.
type Expr interface {
	// Compile lowers the node to a callable, resolving column references
	// against inputSchemas (one TableMetadata-shaped schema per input).
	Compile(inputSchemas []Schema) (Fn, value.Type, error)
	// ColumnRef returns the (inputIndex, columnIndex) this expression
	// directly names, if it is a bare index-addressed column reference
	// (RelColumnRef); ok is false otherwise, including for a
	// NamedColumnRef, whose indexes are known only once compiled. Used
	// by operators to propagate lineage/ordering.
	ColumnRef() (input, column int, ok bool)
}

// Schema is the minimal per-input shape Compile needs: column names and
// types, addressable by name or position.
type Schema struct {
	Columns []ColumnDef
}

// ColumnDef names and types one column of an input schema.
type ColumnDef struct {
	Name string
	Type value.Type
}

func (s Schema) indexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Literal is a constant expression.
type Literal struct{ Value value.Value }

func (l Literal) Compile([]Schema) (Fn, value.Type, error) {
	v := l.Value
	return func(Env) (value.Value, error) { return v, nil }, v.Typ, nil
}
func (Literal) ColumnRef() (int, int, bool) { return 0, 0, false }

// RelColumnRef addresses a column by explicit (input, column) index; an
// index out of range (including a negative one) is a compile error.
// NamedColumnRef resolves a column by name instead.
type RelColumnRef struct {
	Input  int
	Column int
}

func (c RelColumnRef) Compile(inputSchemas []Schema) (Fn, value.Type, error) {
	if c.Input < 0 || c.Input >= len(inputSchemas) {
		return nil, 0, errors.Errorf("valexpr: input index %d out of range", c.Input)
	}
	cols := inputSchemas[c.Input].Columns
	if c.Column < 0 || c.Column >= len(cols) {
		return nil, 0, errors.Errorf("valexpr: column index %d out of range for input %d", c.Column, c.Input)
	}
	idx, in := c.Column, c.Input
	typ := cols[idx].Type
	return func(env Env) (value.Value, error) {
		if in >= len(env) {
			return value.Value{}, errors.Errorf("valexpr: input %d not supplied", in)
		}
		row := env[in]
		if idx >= len(row) {
			return value.Value{}, errors.Errorf("valexpr: column %d not present in row", idx)
		}
		return row[idx], nil
	}, typ, nil
}
func (c RelColumnRef) ColumnRef() (int, int, bool) { return c.Input, c.Column, true }

// NamedColumnRef resolves a column by name against every input schema,
// in order, picking the first match — used when the planner hands the
// core an unresolved qualified name instead of a relative index.
type NamedColumnRef struct{ Name string }

func (c NamedColumnRef) Compile(inputSchemas []Schema) (Fn, value.Type, error) {
	for i, s := range inputSchemas {
		if idx := s.indexOf(c.Name); idx >= 0 {
			return RelColumnRef{Input: i, Column: idx}.Compile(inputSchemas)
		}
	}
	return nil, 0, errors.Errorf("valexpr: column %q not found in any input", c.Name)
}
func (NamedColumnRef) ColumnRef() (int, int, bool) { return 0, 0, false }

// BinOp is a binary operator kind.
type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

// Binary is a two-operand expression.
type Binary struct {
	Op          BinOp
	Left, Right Expr
}

func (b Binary) ColumnRef() (int, int, bool) { return 0, 0, false }

func (b Binary) Compile(inputSchemas []Schema) (Fn, value.Type, error) {
	lf, lt, err := b.Left.Compile(inputSchemas)
	if err != nil {
		return nil, 0, err
	}
	rf, rt, err := b.Right.Compile(inputSchemas)
	if err != nil {
		return nil, 0, err
	}
	switch b.Op {
	case OpAnd, OpOr:
		if lt != value.Boolean || rt != value.Boolean {
			return nil, 0, errors.Errorf("valexpr: %v requires BOOLEAN operands", b.Op)
		}
		op := b.Op
		return func(env Env) (value.Value, error) {
			lv, err := lf(env)
			if err != nil {
				return value.Value{}, err
			}
			rv, err := rf(env)
			if err != nil {
				return value.Value{}, err
			}
			if lv.IsNull() || rv.IsNull() {
				return value.Null(value.Boolean), nil
			}
			lb, _ := lv.AsBool()
			rb, _ := rv.AsBool()
			if op == OpAnd {
				return value.Bool(lb && rb), nil
			}
			return value.Bool(lb || rb), nil
		}, value.Boolean, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		op := b.Op
		return func(env Env) (value.Value, error) {
			lv, err := lf(env)
			if err != nil {
				return value.Value{}, err
			}
			rv, err := rf(env)
			if err != nil {
				return value.Value{}, err
			}
			if lv.IsNull() || rv.IsNull() {
				return value.Null(value.Boolean), nil
			}
			c := value.Compare(lv, rv)
			var res bool
			switch op {
			case OpEq:
				res = c == 0
			case OpNe:
				res = c != 0
			case OpLt:
				res = c < 0
			case OpLe:
				res = c <= 0
			case OpGt:
				res = c > 0
			case OpGe:
				res = c >= 0
			}
			return value.Bool(res), nil
		}, value.Boolean, nil
	case OpAdd, OpSub, OpMul, OpDiv:
		resultType := value.Integer
		if lt == value.Float || rt == value.Float {
			resultType = value.Float
		} else if !lt.ImplicitlyCastsTo(value.Integer) || !rt.ImplicitlyCastsTo(value.Integer) {
			return nil, 0, errors.Errorf("valexpr: arithmetic requires numeric operands, got %v and %v", lt, rt)
		}
		op := b.Op
		return func(env Env) (value.Value, error) {
			lv, err := lf(env)
			if err != nil {
				return value.Value{}, err
			}
			rv, err := rf(env)
			if err != nil {
				return value.Value{}, err
			}
			if lv.IsNull() || rv.IsNull() {
				return value.Null(resultType), nil
			}
			lfl, _ := lv.AsFloat()
			rfl, _ := rv.AsFloat()
			var res float64
			switch op {
			case OpAdd:
				res = lfl + rfl
			case OpSub:
				res = lfl - rfl
			case OpMul:
				res = lfl * rfl
			case OpDiv:
				if rfl == 0 {
					return value.Value{}, errors.New("valexpr: division by zero")
				}
				res = lfl / rfl
			}
			if resultType == value.Integer {
				return value.Int(int64(res)), nil
			}
			return value.Flt(res), nil
		}, resultType, nil
	default:
		return nil, 0, errors.Errorf("valexpr: unsupported binary operator %v", b.Op)
	}
}

func (op BinOp) String() string {
	names := [...]string{"+", "-", "*", "/", "=", "<>", "<", "<=", ">", ">=", "AND", "OR"}
	if int(op) < len(names) {
		return names[op]
	}
	return "?"
}

// UnOp is a unary operator kind.
type UnOp int

const (
	OpNeg UnOp = iota
	OpNot
)

// Unary is a one-operand expression.
type Unary struct {
	Op      UnOp
	Operand Expr
}

func (Unary) ColumnRef() (int, int, bool) { return 0, 0, false }

func (u Unary) Compile(inputSchemas []Schema) (Fn, value.Type, error) {
	f, t, err := u.Operand.Compile(inputSchemas)
	if err != nil {
		return nil, 0, err
	}
	switch u.Op {
	case OpNot:
		if t != value.Boolean {
			return nil, 0, errors.New("valexpr: NOT requires a BOOLEAN operand")
		}
		return func(env Env) (value.Value, error) {
			v, err := f(env)
			if err != nil {
				return value.Value{}, err
			}
			if v.IsNull() {
				return value.Null(value.Boolean), nil
			}
			b, _ := v.AsBool()
			return value.Bool(!b), nil
		}, value.Boolean, nil
	case OpNeg:
		return func(env Env) (value.Value, error) {
			v, err := f(env)
			if err != nil {
				return value.Value{}, err
			}
			if v.IsNull() {
				return value.Null(t), nil
			}
			fl, _ := v.AsFloat()
			if t == value.Integer {
				return value.Int(int64(-fl)), nil
			}
			return value.Flt(-fl), nil
		}, t, nil
	default:
		return nil, 0, errors.New("valexpr: unsupported unary operator")
	}
}

// Cast explicitly casts an inner expression to a target type.
type Cast struct {
	Inner  Expr
	Target value.Type
}

func (Cast) ColumnRef() (int, int, bool) { return 0, 0, false }

func (c Cast) Compile(inputSchemas []Schema) (Fn, value.Type, error) {
	f, src, err := c.Inner.Compile(inputSchemas)
	if err != nil {
		return nil, 0, err
	}
	if !src.CanCastTo(c.Target) {
		return nil, 0, errors.Errorf("valexpr: cannot cast %v to %v", src, c.Target)
	}
	target := c.Target
	return func(env Env) (value.Value, error) {
		v, err := f(env)
		if err != nil {
			return value.Value{}, err
		}
		if v.IsNull() {
			return value.Null(target), nil
		}
		return castValue(v, target)
	}, target, nil
}

func castValue(v value.Value, target value.Type) (value.Value, error) {
	switch target {
	case value.Integer:
		i, err := v.AsInt()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(i), nil
	case value.Float:
		f, err := v.AsFloat()
		if err != nil {
			return value.Value{}, err
		}
		return value.Flt(f), nil
	case value.Varchar:
		s, err := v.AsString()
		if err != nil {
			return value.Value{}, err
		}
		return value.Str(s), nil
	case value.Boolean:
		b, err := v.AsBool()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b), nil
	case value.Datetime:
		s, err := v.AsString()
		if err != nil {
			return value.Value{}, err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return value.Value{}, errors.Wrap(err, "valexpr: cast to DATETIME")
		}
		return value.Time(t), nil
	default:
		return value.Value{}, fmt.Errorf("valexpr: unsupported cast target %v", target)
	}
}

// CompileAll compiles a list of expressions against the same input
// schemas, returning the compiled functions and their result types.
func CompileAll(exprs []Expr, inputSchemas []Schema) ([]Fn, []value.Type, error) {
	fns := make([]Fn, len(exprs))
	types := make([]value.Type, len(exprs))
	for i, e := range exprs {
		f, t, err := e.Compile(inputSchemas)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "valexpr: compiling expression %d", i)
		}
		fns[i] = f
		types[i] = t
	}
	return fns, types, nil
}
