package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/value"
)

// LimitOp skips Offset rows then returns up to Count rows, preserving
// every compiled property of its child.
type LimitOp struct {
	cache
	child  Pop
	Offset int
	Count  int
}

// NewLimitOp constructs a limit/offset over child.
func NewLimitOp(child Pop, offset, count int) *LimitOp {
	return &LimitOp{child: child, Offset: offset, Count: count}
}

func (l *LimitOp) Children() []Pop          { return []Pop{l.child} }
func (l *LimitOp) MemoryBlocksRequired() int { return 0 }
func (l *LimitOp) VoidCachedProps()          { l.cache.void() }
func (l *LimitOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("Limit(offset=%d, count=%d)", l.Offset, l.Count), l.child)
}

func (l *LimitOp) Compiled() (*CompiledProps, error) {
	return l.cache.getCompiled(l.child.Compiled)
}

func (l *LimitOp) Estimated() (*EstimatedProps, error) {
	return l.cache.getEstimated(func() (*EstimatedProps, error) {
		childEst, err := l.child.Estimated()
		if err != nil {
			return nil, err
		}
		rows := int64(l.Count)
		if childEst.RowCount < rows {
			rows = childEst.RowCount
		}
		return &EstimatedProps{RowCount: rows, Blocks: childEst.Blocks}, nil
	})
}

func (l *LimitOp) Execute(ctx *StatementContext) (RowSource, error) {
	childSrc, err := l.child.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return &limitSource{child: childSrc, remainingOffset: l.Offset, remainingCount: l.Count}, nil
}

type limitSource struct {
	child           RowSource
	remainingOffset int
	remainingCount  int
}

func (s *limitSource) Next() (value.Row, bool, error) {
	if s.remainingCount <= 0 {
		return nil, false, nil
	}
	for s.remainingOffset > 0 {
		_, ok, err := s.child.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		s.remainingOffset--
	}
	row, ok, err := s.child.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	s.remainingCount--
	return row, true, nil
}

func (s *limitSource) Close() error { return s.child.Close() }
