package valexpr

import (
	"github.com/pkg/errors"

	"github.com/relational-db/queryexec/internal/value"
)

// AggrKind names a built-in aggregate function.
type AggrKind int

const (
	AggrCount AggrKind = iota
	AggrSum
	AggrAvg
	AggrMin
	AggrMax
	AggrMedian
)

func (k AggrKind) String() string {
	names := [...]string{"COUNT", "SUM", "AVG", "MIN", "MAX", "MEDIAN"}
	if int(k) < len(names) {
		return names[k]
	}
	return "?"
}

// incremental reports whether a kind can be computed online, without
// sorting its inputs first.
func (k AggrKind) incremental() bool {
	switch k {
	case AggrCount, AggrSum, AggrAvg, AggrMin, AggrMax:
		return true
	default:
		return false
	}
}

// AggrState is the accumulator an incremental aggregate carries between
// Add calls.
type AggrState struct {
	Count int64
	Sum   float64
	Min   value.Value
	Max   value.Value
	set   bool
}

// AggrExpr describes one aggregate-function call: its kind, whether it
// carries a DISTINCT modifier, and its scalar input expression (nil for
// COUNT(*)).
type AggrExpr struct {
	Kind     AggrKind
	Distinct bool
	Input    Expr // nil => COUNT(*)
}

// IsIncremental reports whether this aggregate can be updated online. A
// DISTINCT modifier always forces non-incremental evaluation (the
// distinct values must be sorted and deduplicated first), matching the
// "whether it is distinct" / "whether it is incremental" split in the
// aggregate contract.
func (a AggrExpr) IsIncremental() bool {
	return a.Kind.incremental() && !a.Distinct
}

// CompiledAggr bundles the closures an aggregate needs at execution
// time, built once by Compile.
type CompiledAggr struct {
	Expr     AggrExpr
	InputFn  Fn // nil for COUNT(*)
	Init     func() *AggrState
	Add      func(*AggrState, value.Value) (*AggrState, error)
	Finalize func(*AggrState) (value.Value, error)
	// FinalizeSorted finalizes a non-incremental aggregate given the
	// fully sorted (and, if Distinct, deduplicated) sequence of input
	// values for one group.
	FinalizeSorted func(values []value.Value) (value.Value, error)
}

// CompileAggr lowers one aggregate-function call against the given input
// schemas.
func CompileAggr(a AggrExpr, inputSchemas []Schema) (*CompiledAggr, value.Type, error) {
	var inputFn Fn
	var inputType value.Type = value.Any
	if a.Input != nil {
		f, t, err := a.Input.Compile(inputSchemas)
		if err != nil {
			return nil, 0, errors.Wrap(err, "valexpr: compiling aggregate input")
		}
		inputFn = f
		inputType = t
	}

	c := &CompiledAggr{Expr: a, InputFn: inputFn}
	// foldSorted finalizes a DISTINCT variant of an online aggregate by
	// folding the sorted, deduplicated values through Init/Add/Finalize.
	foldSorted := func(vals []value.Value) (value.Value, error) {
		s := c.Init()
		for _, v := range vals {
			var err error
			if s, err = c.Add(s, v); err != nil {
				return value.Value{}, err
			}
		}
		return c.Finalize(s)
	}

	switch a.Kind {
	case AggrCount:
		c.Init = func() *AggrState { return &AggrState{} }
		c.Add = func(s *AggrState, v value.Value) (*AggrState, error) {
			if a.Input == nil || !v.IsNull() {
				s.Count++
			}
			return s, nil
		}
		c.Finalize = func(s *AggrState) (value.Value, error) { return value.Int(s.Count), nil }
		c.FinalizeSorted = func(vals []value.Value) (value.Value, error) {
			n := 0
			for _, v := range vals {
				if !v.IsNull() {
					n++
				}
			}
			return value.Int(int64(n)), nil
		}
		return c, value.Integer, nil

	case AggrSum:
		c.Init = func() *AggrState { return &AggrState{} }
		c.Add = func(s *AggrState, v value.Value) (*AggrState, error) {
			if v.IsNull() {
				return s, nil
			}
			f, err := v.AsFloat()
			if err != nil {
				return s, err
			}
			s.Sum += f
			s.set = true
			return s, nil
		}
		c.Finalize = func(s *AggrState) (value.Value, error) {
			if !s.set {
				return value.Null(value.Float), nil
			}
			return value.Flt(s.Sum), nil
		}
		c.FinalizeSorted = foldSorted
		return c, value.Float, nil

	case AggrAvg:
		c.Init = func() *AggrState { return &AggrState{} }
		c.Add = func(s *AggrState, v value.Value) (*AggrState, error) {
			if v.IsNull() {
				return s, nil
			}
			f, err := v.AsFloat()
			if err != nil {
				return s, err
			}
			s.Sum += f
			s.Count++
			return s, nil
		}
		c.Finalize = func(s *AggrState) (value.Value, error) {
			if s.Count == 0 {
				return value.Null(value.Float), nil
			}
			return value.Flt(s.Sum / float64(s.Count)), nil
		}
		c.FinalizeSorted = foldSorted
		return c, value.Float, nil

	case AggrMin, AggrMax:
		isMin := a.Kind == AggrMin
		c.Init = func() *AggrState { return &AggrState{} }
		c.Add = func(s *AggrState, v value.Value) (*AggrState, error) {
			if v.IsNull() {
				return s, nil
			}
			if !s.set {
				s.Min, s.Max, s.set = v, v, true
				return s, nil
			}
			if isMin && value.Compare(v, s.Min) < 0 {
				s.Min = v
			}
			if !isMin && value.Compare(v, s.Max) > 0 {
				s.Max = v
			}
			return s, nil
		}
		c.Finalize = func(s *AggrState) (value.Value, error) {
			if !s.set {
				return value.Null(inputType), nil
			}
			if isMin {
				return s.Min, nil
			}
			return s.Max, nil
		}
		c.FinalizeSorted = foldSorted
		return c, inputType, nil

	case AggrMedian:
		c.FinalizeSorted = func(vals []value.Value) (value.Value, error) {
			if len(vals) == 0 {
				return value.Null(inputType), nil
			}
			mid := len(vals) / 2
			if len(vals)%2 == 1 {
				return vals[mid], nil
			}
			lo, _ := vals[mid-1].AsFloat()
			hi, _ := vals[mid].AsFloat()
			return value.Flt((lo + hi) / 2), nil
		}
		return c, value.Float, nil

	default:
		return nil, 0, errors.Errorf("valexpr: unsupported aggregate kind %v", a.Kind)
	}
}
