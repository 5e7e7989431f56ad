package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// MergeJoinOp is the sort-merge equi-join: both children must already be
// sorted on the join keys. Rows sharing a key on either side are
// buffered into in-memory groups and cross-multiplied, the "duplicate-
// block buffering" spec §4.7 calls for.
type MergeJoinOp struct {
	cache
	left, right         Pop
	leftKeys, rightKeys []valexpr.Expr
}

// NewMergeJoinOp constructs a merge equi-join. leftKeys/rightKeys must
// have equal length.
func NewMergeJoinOp(left, right Pop, leftKeys, rightKeys []valexpr.Expr) (*MergeJoinOp, error) {
	if len(leftKeys) != len(rightKeys) {
		return nil, newConfigError("MergeJoinOp", "leftKeys and rightKeys must have equal length")
	}
	return &MergeJoinOp{left: left, right: right, leftKeys: leftKeys, rightKeys: rightKeys}, nil
}

func (m *MergeJoinOp) Children() []Pop          { return []Pop{m.left, m.right} }
func (m *MergeJoinOp) MemoryBlocksRequired() int { return 0 }
func (m *MergeJoinOp) VoidCachedProps()          { m.cache.void() }
func (m *MergeJoinOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("MergeEqJoin(keys=%d)", len(m.leftKeys)), m.left, m.right)
}

func (m *MergeJoinOp) Compiled() (*CompiledProps, error) {
	return m.cache.getCompiled(func() (*CompiledProps, error) {
		lc, err := m.left.Compiled()
		if err != nil {
			return nil, newCompileError("MergeJoinOp", err, "compiling left child")
		}
		rc, err := m.right.Compiled()
		if err != nil {
			return nil, newCompileError("MergeJoinOp", err, "compiling right child")
		}
		for i := range m.leftKeys {
			_, lcol, ok := m.leftKeys[i].ColumnRef()
			if !ok {
				continue
			}
			if _, asc, found := lc.IsOrdered(lcol); !found || !asc {
				return nil, newConfigError("MergeJoinOp", "left child is not ordered by join key %d", i)
			}
		}
		for i := range m.rightKeys {
			_, rcol, ok := m.rightKeys[i].ColumnRef()
			if !ok {
				continue
			}
			if _, asc, found := rc.IsOrdered(rcol); !found || !asc {
				return nil, newConfigError("MergeJoinOp", "right child is not ordered by join key %d", i)
			}
		}
		outSchema := append(append([]valexpr.ColumnDef{}, lc.OutputSchema...), rc.OutputSchema...)
		width := len(lc.OutputSchema)
		lineage := metadata.NewLineage(len(outSchema))
		for i := range lc.OutputLineage {
			lineage[i] = lc.OutputLineage[i]
		}
		for i := range rc.OutputLineage {
			lineage[width+i] = rc.OutputLineage[i]
		}
		orderedColumns := append([]int{}, lc.OrderedColumns...)
		orderedAsc := append([]bool{}, lc.OrderedAsc...)
		return &CompiledProps{
			OutputSchema:   outSchema,
			OutputLineage:  lineage,
			OrderedColumns: orderedColumns,
			OrderedAsc:     orderedAsc,
		}, nil
	})
}

func (m *MergeJoinOp) Estimated() (*EstimatedProps, error) {
	return m.cache.getEstimated(func() (*EstimatedProps, error) {
		le, err := m.left.Estimated()
		if err != nil {
			return nil, err
		}
		re, err := m.right.Estimated()
		if err != nil {
			return nil, err
		}
		return &EstimatedProps{
			RowCount: le.RowCount + re.RowCount,
			Blocks:   StatsInBlocks{Overall: le.Blocks.Overall + re.Blocks.Overall},
		}, nil
	})
}

func (m *MergeJoinOp) Execute(ctx *StatementContext) (RowSource, error) {
	lc, err := m.left.Compiled()
	if err != nil {
		return nil, err
	}
	rc, err := m.right.Compiled()
	if err != nil {
		return nil, err
	}
	leftSchemas := []valexpr.Schema{{Columns: lc.OutputSchema}}
	rightSchemas := []valexpr.Schema{{Columns: rc.OutputSchema}}
	leftFns := make([]valexpr.Fn, len(m.leftKeys))
	rightFns := make([]valexpr.Fn, len(m.rightKeys))
	for i := range m.leftKeys {
		fn, _, err := m.leftKeys[i].Compile(leftSchemas)
		if err != nil {
			return nil, newCompileError("MergeJoinOp", err, "compiling left key %d", i)
		}
		leftFns[i] = fn
		fn2, _, err := m.rightKeys[i].Compile(rightSchemas)
		if err != nil {
			return nil, newCompileError("MergeJoinOp", err, "compiling right key %d", i)
		}
		rightFns[i] = fn2
	}
	leftSrc, err := m.left.Execute(ctx)
	if err != nil {
		return nil, err
	}
	rightSrc, err := m.right.Execute(ctx)
	if err != nil {
		leftSrc.Close()
		return nil, err
	}
	s := &mergeJoinSource{left: leftSrc, right: rightSrc, leftFns: leftFns, rightFns: rightFns}
	s.leftRow, s.leftKey, s.leftOk, err = s.advanceLeft()
	if err != nil {
		return nil, err
	}
	s.rightRow, s.rightKey, s.rightOk, err = s.advanceRight()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func keysOf(fns []valexpr.Fn, row value.Row) ([]value.Value, error) {
	vals := make([]value.Value, len(fns))
	for i, fn := range fns {
		v, err := fn(valexpr.Env{row})
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func compareKeys(a, b []value.Value) int {
	for i := range a {
		if c := value.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

type mergeJoinSource struct {
	left, right        RowSource
	leftFns, rightFns  []valexpr.Fn

	leftRow  value.Row
	leftKey  []value.Value
	leftOk   bool
	rightRow value.Row
	rightKey []value.Value
	rightOk  bool

	pending    []value.Row
	pendingIdx int
}

func (s *mergeJoinSource) advanceLeft() (value.Row, []value.Value, bool, error) {
	row, ok, err := s.left.Next()
	if err != nil || !ok {
		return nil, nil, false, err
	}
	keys, err := keysOf(s.leftFns, row)
	if err != nil {
		return nil, nil, false, newExecError("MergeJoinOp", err, "evaluating left key")
	}
	return row, keys, true, nil
}

func (s *mergeJoinSource) advanceRight() (value.Row, []value.Value, bool, error) {
	row, ok, err := s.right.Next()
	if err != nil || !ok {
		return nil, nil, false, err
	}
	keys, err := keysOf(s.rightFns, row)
	if err != nil {
		return nil, nil, false, newExecError("MergeJoinOp", err, "evaluating right key")
	}
	return row, keys, true, nil
}

func (s *mergeJoinSource) fillPending() (bool, error) {
	for {
		if !s.leftOk || !s.rightOk {
			return false, nil
		}
		c := compareKeys(s.leftKey, s.rightKey)
		if c < 0 {
			var err error
			s.leftRow, s.leftKey, s.leftOk, err = s.advanceLeft()
			if err != nil {
				return false, err
			}
			continue
		}
		if c > 0 {
			var err error
			s.rightRow, s.rightKey, s.rightOk, err = s.advanceRight()
			if err != nil {
				return false, err
			}
			continue
		}
		groupKey := s.leftKey
		var leftGroup, rightGroup []value.Row
		for s.leftOk && compareKeys(s.leftKey, groupKey) == 0 {
			leftGroup = append(leftGroup, s.leftRow)
			var err error
			s.leftRow, s.leftKey, s.leftOk, err = s.advanceLeft()
			if err != nil {
				return false, err
			}
		}
		for s.rightOk && compareKeys(s.rightKey, groupKey) == 0 {
			rightGroup = append(rightGroup, s.rightRow)
			var err error
			s.rightRow, s.rightKey, s.rightOk, err = s.advanceRight()
			if err != nil {
				return false, err
			}
		}
		s.pending = s.pending[:0]
		for _, l := range leftGroup {
			for _, r := range rightGroup {
				s.pending = append(s.pending, value.Concat(l, r))
			}
		}
		s.pendingIdx = 0
		return true, nil
	}
}

func (s *mergeJoinSource) Next() (value.Row, bool, error) {
	for s.pendingIdx >= len(s.pending) {
		ok, err := s.fillPending()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}
	row := s.pending[s.pendingIdx]
	s.pendingIdx++
	return row, true, nil
}

func (s *mergeJoinSource) Close() error {
	err1 := s.left.Close()
	err2 := s.right.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
