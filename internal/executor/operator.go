// Package executor implements the pipelined, pull-based physical
// operator framework: compiled-property inference, cost estimation,
// memory accounting, and the concrete operators (merge-sort, grouped
// aggregation, hash equi-join, and supporting scan/filter/project/join
// operators) that run over it.
package executor

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/stats"
	"github.com/relational-db/queryexec/internal/storage"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// Log is the package-level structured logger for operator checkpoint
// entries; MergeSortOp writes its pass boundaries to it.
var Log = logrus.WithField("component", "executor")

// RowSource is a one-shot producer of rows, returned by Pop.Execute. The
// consumer drives it by repeatedly calling Next; Close releases any
// buffers or temp files regardless of whether the stream ran to
// completion or was abandoned early.
type RowSource interface {
	// Next returns the next row. ok is false at end of stream with err
	// nil; a non-nil err aborts the pipeline.
	Next() (row value.Row, ok bool, err error)
	Close() error
}

// Pop is the physical-operator contract every node in a plan tree
// implements.
type Pop interface {
	Children() []Pop
	MemoryBlocksRequired() int
	Compiled() (*CompiledProps, error)
	Estimated() (*EstimatedProps, error)
	Execute(ctx *StatementContext) (RowSource, error)
	VoidCachedProps()
	Pstr(indent int) string
}

// CompiledProps is the immutable-once-computed bundle of schema,
// lineage, ordering, and uniqueness metadata every operator exposes.
type CompiledProps struct {
	OutputSchema   []valexpr.ColumnDef
	OutputLineage  metadata.Lineage
	OrderedColumns []int
	OrderedAsc     []bool
	UniqueColumns  map[int]bool
}

// ColumnInOutput reports whether ref names output column i.
func (c *CompiledProps) ColumnInOutput(i int, ref metadata.ColumnRef) bool {
	if i < 0 || i >= len(c.OutputLineage) {
		return false
	}
	_, ok := c.OutputLineage[i][ref]
	return ok
}

// IsOrdered reports whether the output is guaranteed sorted by the given
// column index, and if so at what position in OrderedColumns.
func (c *CompiledProps) IsOrdered(col int) (pos int, asc bool, ok bool) {
	for i, oc := range c.OrderedColumns {
		if oc == col {
			return i, c.OrderedAsc[i], true
		}
	}
	return 0, false, false
}

// FromInput builds the output lineage for a column that passes an input
// column through unchanged (e.g. a bare column reference in a project),
// unioning the input's lineage for that column with a fresh self
// reference.
func FromInput(inputLineage metadata.Lineage, inputCol int, self metadata.ColumnRef) map[metadata.ColumnRef]struct{} {
	out := map[metadata.ColumnRef]struct{}{self: {}}
	if inputCol >= 0 && inputCol < len(inputLineage) {
		for r := range inputLineage[inputCol] {
			out[r] = struct{}{}
		}
	}
	return out
}

// FromInputs concatenates lineage sets from several input columns (used
// when one output value's lineage must reflect more than one input,
// which the core does not currently need but which generalizes FromInput
// the way the source's classmethod pair does).
func FromInputs(self metadata.ColumnRef, lineages ...map[metadata.ColumnRef]struct{}) map[metadata.ColumnRef]struct{} {
	out := map[metadata.ColumnRef]struct{}{self: {}}
	for _, l := range lineages {
		for r := range l {
			out[r] = struct{}{}
		}
	}
	return out
}

// StatsInBlocks is steady-state, per-pass block I/O for one operator's
// own work (excluding children).
type StatsInBlocks struct {
	SelfReads  int64
	SelfWrites int64
	Overall    int64 // includes subtree
}

// EstimatedProps is the lazily computed, row-count-and-I/O cost estimate
// for an operator's output.
type EstimatedProps struct {
	RowCount int64
	Blocks   StatsInBlocks
	// BlocksExtraInit is an optional one-time first-pass cost (e.g. an
	// index build) shared identically across every consumer of this
	// operator in a plan DAG. Pointer identity, not value equality, is
	// what EstimatedCost dedups on.
	BlocksExtraInit *StatsInBlocks
}

// EstimatedCost sums self + children costs over a plan, deduplicating
// BlocksExtraInit entries that are shared (by pointer identity) across
// more than one path in a plan DAG, so a scan feeding two join sides
// doesn't have its one-time cost counted twice.
func EstimatedCost(root Pop) (int64, error) {
	seen := map[*StatsInBlocks]struct{}{}
	var walk func(p Pop) (int64, error)
	walk = func(p Pop) (int64, error) {
		est, err := p.Estimated()
		if err != nil {
			return 0, err
		}
		total := est.Blocks.SelfReads + est.Blocks.SelfWrites
		if est.BlocksExtraInit != nil {
			if _, dup := seen[est.BlocksExtraInit]; !dup {
				seen[est.BlocksExtraInit] = struct{}{}
				total += est.BlocksExtraInit.SelfReads + est.BlocksExtraInit.SelfWrites
			}
		}
		for _, child := range p.Children() {
			childCost, err := walk(child)
			if err != nil {
				return 0, err
			}
			total += childCost
		}
		return total, nil
	}
	return walk(root)
}

// TotalMemoryBlocksRequired is the sum of MemoryBlocksRequired over the
// heaviest root-to-leaf path in the plan.
func TotalMemoryBlocksRequired(root Pop) int {
	var walk func(p Pop) int
	walk = func(p Pop) int {
		best := 0
		for _, c := range p.Children() {
			if v := walk(c); v > best {
				best = v
			}
		}
		return p.MemoryBlocksRequired() + best
	}
	return walk(root)
}

// cache holds the lazily-computed, invalidatable compiled/estimated
// properties shared by every concrete operator. It replaces the source
// system's cached-property-via-attribute-memoization pattern with
// explicit fields guarded by a mutex, since Go has no descriptor
// protocol to hook into.
type cache struct {
	mu          sync.Mutex
	compiled    *CompiledProps
	compileErr  error
	estimated   *EstimatedProps
	estimateErr error
}

func (c *cache) getCompiled(compute func() (*CompiledProps, error)) (*CompiledProps, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compiled != nil || c.compileErr != nil {
		return c.compiled, c.compileErr
	}
	c.compiled, c.compileErr = compute()
	return c.compiled, c.compileErr
}

func (c *cache) getEstimated(compute func() (*EstimatedProps, error)) (*EstimatedProps, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimated != nil || c.estimateErr != nil {
		return c.estimated, c.estimateErr
	}
	c.estimated, c.estimateErr = compute()
	return c.estimated, c.estimateErr
}

func (c *cache) void() {
	c.mu.Lock()
	c.compiled, c.compileErr = nil, nil
	c.estimated, c.estimateErr = nil, nil
	c.mu.Unlock()
}

// voidTree clears cached properties on op and every descendant,
// implementing the "invalidation is a tree walk" note.
func voidTree(op Pop) {
	op.VoidCachedProps()
	for _, c := range op.Children() {
		voidTree(c)
	}
}

// StatementContext bundles the collaborators every operator needs to
// execute: the storage manager, metadata manager, stats manager, the
// statement's main transaction, and its dedicated temp transaction for
// spill files. It also hands out the monotonically increasing opaque ids
// used in temp file names, replacing the source's object-identity-based
// naming with something deterministic and testable.
type StatementContext struct {
	Storage  storage.Manager
	Metadata metadata.Manager
	Stats    stats.Manager
	Tx       *storage.Transaction
	TmpTx    *storage.Transaction

	nextID int64
}

// NextOpaqueID returns the next id in a per-statement monotonic
// sequence, used to name temp heap files uniquely across concurrently
// live operator instances within one statement.
func (s *StatementContext) NextOpaqueID() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

// pstr is the shared pretty-printer helper: render an operator's name
// plus one summary line per child, indented.
func pstr(indent int, name string, children ...Pop) string {
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString(name)
	b.WriteString("\n")
	for _, c := range children {
		b.WriteString(c.Pstr(indent + 1))
	}
	return b.String()
}
