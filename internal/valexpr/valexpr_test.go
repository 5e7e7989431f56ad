package valexpr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/value"
)

func schemaOf(cols ...ColumnDef) []Schema { return []Schema{{Columns: cols}} }

func TestRelColumnRefResolvesByIndex(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Varchar})
	ref := RelColumnRef{Input: 0, Column: 1}
	fn, typ, err := ref.Compile(schemas)
	require.NoError(t, err)
	require.Equal(t, value.Varchar, typ)

	v, err := fn(Env{{value.Int(1), value.Str("hi")}})
	require.NoError(t, err)
	require.Equal(t, value.Str("hi"), v)
}

func TestRelColumnRefRejectsOutOfRangeInput(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	_, _, err := (RelColumnRef{Input: 1, Column: 0}).Compile(schemas)
	require.Error(t, err)
}

func TestNamedColumnRefFindsFirstMatchingInput(t *testing.T) {
	schemas := []Schema{
		{Columns: []ColumnDef{{Name: "a", Type: value.Integer}}},
		{Columns: []ColumnDef{{Name: "b", Type: value.Varchar}}},
	}
	fn, typ, err := (NamedColumnRef{Name: "b"}).Compile(schemas)
	require.NoError(t, err)
	require.Equal(t, value.Varchar, typ)

	v, err := fn(Env{{value.Int(0)}, {value.Str("x")}})
	require.NoError(t, err)
	require.Equal(t, value.Str("x"), v)
}

func TestNamedColumnRefErrorsWhenNotFound(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	_, _, err := (NamedColumnRef{Name: "missing"}).Compile(schemas)
	require.Error(t, err)
}

func TestBinaryArithmeticPromotesToFloat(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Float})
	b := Binary{Op: OpAdd, Left: RelColumnRef{0, 0}, Right: RelColumnRef{0, 1}}
	fn, typ, err := b.Compile(schemas)
	require.NoError(t, err)
	require.Equal(t, value.Float, typ)

	v, err := fn(Env{{value.Int(2), value.Flt(1.5)}})
	require.NoError(t, err)
	require.Equal(t, value.Flt(3.5), v)
}

func TestBinaryArithmeticNullPropagates(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Integer})
	b := Binary{Op: OpAdd, Left: RelColumnRef{0, 0}, Right: RelColumnRef{0, 1}}
	fn, _, err := b.Compile(schemas)
	require.NoError(t, err)

	v, err := fn(Env{{value.Null(value.Integer), value.Int(1)}})
	require.NoError(t, err)
	require.True(t, v.IsNull())
}

func TestBinaryDivisionByZeroErrors(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Integer})
	b := Binary{Op: OpDiv, Left: RelColumnRef{0, 0}, Right: RelColumnRef{0, 1}}
	fn, _, err := b.Compile(schemas)
	require.NoError(t, err)

	_, err = fn(Env{{value.Int(1), value.Int(0)}})
	require.Error(t, err)
}

func TestBinaryComparisonNullIsUnknown(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Integer})
	b := Binary{Op: OpEq, Left: RelColumnRef{0, 0}, Right: RelColumnRef{0, 1}}
	fn, typ, err := b.Compile(schemas)
	require.NoError(t, err)
	require.Equal(t, value.Boolean, typ)

	v, err := fn(Env{{value.Null(value.Integer), value.Int(1)}})
	require.NoError(t, err)
	require.True(t, v.IsNull())
}

func TestBinaryAndOrRequireBooleanOperands(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	b := Binary{Op: OpAnd, Left: RelColumnRef{0, 0}, Right: RelColumnRef{0, 0}}
	_, _, err := b.Compile(schemas)
	require.Error(t, err)
}

func TestUnaryNotNegatesBoolean(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Boolean})
	u := Unary{Op: OpNot, Operand: RelColumnRef{0, 0}}
	fn, _, err := u.Compile(schemas)
	require.NoError(t, err)

	v, err := fn(Env{{value.Bool(true)}})
	require.NoError(t, err)
	require.Equal(t, value.Bool(false), v)
}

func TestCastRejectsIllegalConversion(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Datetime})
	c := Cast{Inner: RelColumnRef{0, 0}, Target: value.Integer}
	_, _, err := c.Compile(schemas)
	require.Error(t, err)
}

func TestCastIntegerToVarchar(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c := Cast{Inner: RelColumnRef{0, 0}, Target: value.Varchar}
	fn, typ, err := c.Compile(schemas)
	require.NoError(t, err)
	require.Equal(t, value.Varchar, typ)

	v, err := fn(Env{{value.Int(42)}})
	require.NoError(t, err)
	require.Equal(t, value.Str("42"), v)
}

func TestCastNullPropagatesTargetType(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c := Cast{Inner: RelColumnRef{0, 0}, Target: value.Varchar}
	fn, _, err := c.Compile(schemas)
	require.NoError(t, err)

	v, err := fn(Env{{value.Null(value.Integer)}})
	require.NoError(t, err)
	require.True(t, v.IsNull())
	require.Equal(t, value.Varchar, v.Typ)
}

func TestCompileAllCompilesEveryExpression(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer}, ColumnDef{Name: "b", Type: value.Varchar})
	fns, types, err := CompileAll([]Expr{RelColumnRef{0, 0}, RelColumnRef{0, 1}}, schemas)
	require.NoError(t, err)
	require.Equal(t, []value.Type{value.Integer, value.Varchar}, types)

	v, err := fns[1](Env{{value.Int(1), value.Str("z")}})
	require.NoError(t, err)
	require.Equal(t, value.Str("z"), v)
}
