package executor

import (
	"container/heap"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/relational-db/queryexec/internal/storage"
	"github.com/relational-db/queryexec/internal/value"
)

// BufferedReader stages an input row source into byte-budgeted,
// in-memory row batches, each sized to at most numBlocks*blockSize
// bytes. A single row whose own footprint exceeds the budget is fatal —
// surfaced as an *ExecutionError from NextBuffer.
type BufferedReader struct {
	src        RowSource
	budget     int
	op         string
	exhausted  bool
	pending    value.Row // a row read past budget, held for the next batch
	hasPending bool
}

// NewBufferedReader wraps src with a numBlocks*blockSize byte budget.
func NewBufferedReader(op string, src RowSource, numBlocks, blockSize int) *BufferedReader {
	return &BufferedReader{src: src, budget: numBlocks * blockSize, op: op}
}

// NextBuffer returns the next row batch, or ok=false once src is
// exhausted. The final batch may be smaller than the budget.
func (r *BufferedReader) NextBuffer() (batch []value.Row, ok bool, err error) {
	if r.hasPending {
		batch = append(batch, r.pending)
		r.hasPending = false
		r.pending = nil
	}
	if r.exhausted {
		if len(batch) > 0 {
			return batch, true, nil
		}
		return nil, false, nil
	}
	used := 0
	for _, row := range batch {
		used += row.EstimatedSize()
	}
	for {
		row, has, err := r.src.Next()
		if err != nil {
			return nil, false, err
		}
		if !has {
			r.exhausted = true
			break
		}
		sz := row.EstimatedSize()
		if sz > r.budget {
			return nil, false, newExecError(r.op, nil, "row of %d bytes exceeds buffer budget of %d bytes", sz, r.budget)
		}
		if used+sz > r.budget && len(batch) > 0 {
			r.pending, r.hasPending = row, true
			break
		}
		batch = append(batch, row)
		used += sz
	}
	return batch, len(batch) > 0, nil
}

// Close releases the underlying source.
func (r *BufferedReader) Close() error { return r.src.Close() }

// BufferedWriter buffers up to numBlocks*blockSize bytes of rows against
// a heap file, auto-flushing on overflow. It does not own the file's
// lifecycle (creation/deletion is the caller's responsibility).
type BufferedWriter struct {
	file             storage.HeapFile
	budget           int
	buf              []value.Row
	used             int
	numBlocksFlushed int
}

// NewBufferedWriter wraps file with a numBlocks*blockSize byte budget.
func NewBufferedWriter(file storage.HeapFile, numBlocks, blockSize int) *BufferedWriter {
	return &BufferedWriter{file: file, budget: numBlocks * blockSize}
}

// Write appends row to the buffer, flushing first if it would overflow.
func (w *BufferedWriter) Write(row value.Row) error {
	sz := row.EstimatedSize()
	if w.used+sz > w.budget && len(w.buf) > 0 {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.buf = append(w.buf, row)
	w.used += sz
	return nil
}

// Flush drains any buffered rows to the heap file.
func (w *BufferedWriter) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.file.BatchAppend(w.buf); err != nil {
		return errors.Wrap(err, "executor: flushing buffered writer")
	}
	w.numBlocksFlushed++
	w.buf = w.buf[:0]
	w.used = 0
	return nil
}

// NumBlocksFlushed reports how many times Flush wrote a non-empty batch.
func (w *BufferedWriter) NumBlocksFlushed() int { return w.numBlocksFlushed }

// pqItem is one entry in the n-way merge priority queue: the row, the
// source this row came from, and its run index for stable tie-breaking.
type pqItem struct {
	row    value.Row
	source int // run/partition index this row was read from
	seq    int64
	index  int // heap.Interface bookkeeping
}

// Cmp is a row comparator returning <0, 0, >0.
type Cmp func(a, b value.Row) int

// pqHeap implements container/heap.Interface with an injected comparator
// and a stable tiebreak by the source run index (earlier run wins),
// matching spec §4.2's priority-queue stability requirement.
type pqHeap struct {
	items []*pqItem
	cmp   Cmp
}

func (h pqHeap) Len() int { return len(h.items) }
func (h pqHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].row, h.items[j].row)
	if c != 0 {
		return c < 0
	}
	return h.items[i].source < h.items[j].source
}
func (h pqHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index, h.items[j].index = i, j
}
func (h *pqHeap) Push(x interface{}) {
	it := x.(*pqItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
}
func (h *pqHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

// PQueue is a stable k-way merge priority queue parameterized by an
// explicit comparator.
type PQueue struct {
	h *pqHeap
}

// NewPQueue builds an empty queue ordered by cmp.
func NewPQueue(cmp Cmp) *PQueue {
	h := &pqHeap{cmp: cmp}
	heap.Init(h)
	return &PQueue{h: h}
}

// Enqueue inserts row, tagged with the run/partition index it came from.
func (q *PQueue) Enqueue(row value.Row, source int) {
	heap.Push(q.h, &pqItem{row: row, source: source})
}

// Len reports the number of queued rows.
func (q *PQueue) Len() int { return q.h.Len() }

// Dequeue removes and returns the smallest row and the source it came
// from.
func (q *PQueue) Dequeue() (value.Row, int) {
	it := heap.Pop(q.h).(*pqItem)
	return it.row, it.source
}

// runSource is anything iterMerge can pull one row at a time from: a run
// file's scan, or an in-memory buffer.
type runSource interface {
	next() (value.Row, bool, error)
	close() error
}

type heapFileRunSource struct {
	it storage.RowIterator
}

func (s heapFileRunSource) next() (value.Row, bool, error) { return s.it.Next() }
func (s heapFileRunSource) close() error                   { return s.it.Close() }

// heapFileRowSource adapts a storage.RowIterator to the RowSource
// interface (Next/Close already match the shape exactly), for operators
// that hand a raw heap-file scan straight to the pipeline or replay it
// through partitioning/merge logic built against RowSource.
type heapFileRowSource struct {
	it storage.RowIterator
}

func (s heapFileRowSource) Next() (value.Row, bool, error) { return s.it.Next() }
func (s heapFileRowSource) Close() error                   { return s.it.Close() }

// iterMerge performs a stable k-way merge over runs, returning a
// RowSource. If dedup is true, only the first row of each run of
// comparator-equal rows is emitted (folding ExtSortBuffer's
// deduplication into the merge, as spec §4.4 specifies).
func iterMerge(op string, runs []runSource, cmp Cmp, dedup bool) RowSource {
	pq := NewPQueue(cmp)
	for i, r := range runs {
		row, ok, err := r.next()
		if err != nil {
			return errSource{err: newExecError(op, err, "reading initial merge row")}
		}
		if ok {
			pq.Enqueue(row, i)
		}
	}
	var last value.Row
	haveLast := false
	return &mergeSource{op: op, runs: runs, pq: pq, cmp: cmp, dedup: dedup, last: last, haveLast: haveLast}
}

type mergeSource struct {
	op       string
	runs     []runSource
	pq       *PQueue
	cmp      Cmp
	dedup    bool
	last     value.Row
	haveLast bool
}

func (m *mergeSource) Next() (value.Row, bool, error) {
	for m.pq.Len() > 0 {
		row, source := m.pq.Dequeue()
		next, ok, err := m.runs[source].next()
		if err != nil {
			return nil, false, newExecError(m.op, err, "reading next merge row from run %d", source)
		}
		if ok {
			m.pq.Enqueue(next, source)
		}
		if m.dedup && m.haveLast && m.cmp(m.last, row) == 0 {
			continue
		}
		m.last, m.haveLast = row, true
		return row, true, nil
	}
	return nil, false, nil
}

func (m *mergeSource) Close() error {
	var first error
	for _, r := range m.runs {
		if err := r.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// errSource is a RowSource that immediately fails with err.
type errSource struct{ err error }

func (e errSource) Next() (value.Row, bool, error) { return nil, false, e.err }
func (e errSource) Close() error                   { return nil }

// sliceSource adapts an in-memory row slice to RowSource.
type sliceSource struct {
	rows []value.Row
	pos  int
}

func (s *sliceSource) Next() (value.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}
func (s *sliceSource) Close() error { return nil }

// ExtSortBuffer sorts an arbitrary unordered stream into a sorted
// (optionally deduplicated) sequence under a memory budget, spilling to
// temp heap files when the budget is exceeded. Like merge-sort's Pass 0
// it forms sorted runs of at most numBlocks*blockSize bytes, with
// deduplication folded into the final merge. Unlike merge-sort, every
// spilled run is merged in one single pass with all runs open at once;
// there are no intermediate merge passes bounded by numBlocks.
type ExtSortBuffer struct {
	op         string
	ctx        *StatementContext
	cmp        Cmp
	numBlocks  int
	blockSize  int
	dedup      bool
	namePrefix string

	buffered []value.Row
	used     int
	runFiles []storage.HeapFile
	runNames []string
}

// NewExtSortBuffer constructs a sort-or-spill buffer. namePrefix is
// combined with a run index to name spill files uniquely.
func NewExtSortBuffer(op string, ctx *StatementContext, cmp Cmp, numBlocks, blockSize int, dedup bool, namePrefix string) *ExtSortBuffer {
	return &ExtSortBuffer{op: op, ctx: ctx, cmp: cmp, numBlocks: numBlocks, blockSize: blockSize, dedup: dedup, namePrefix: namePrefix}
}

// Add ingests one row, spilling the current in-memory buffer to a run
// file if it would overflow the budget.
func (b *ExtSortBuffer) Add(row value.Row) error {
	sz := row.EstimatedSize()
	if b.used+sz > b.numBlocks*b.blockSize && len(b.buffered) > 0 {
		if err := b.spill(); err != nil {
			return err
		}
	}
	b.buffered = append(b.buffered, row)
	b.used += sz
	return nil
}

func (b *ExtSortBuffer) spill() error {
	stableSortRows(b.buffered, b.cmp)
	name := spillRunName(b.namePrefix, len(b.runFiles))
	file, err := b.ctx.Storage.HeapFile(b.ctx.TmpTx, name, nil, true)
	if err != nil {
		return newExecError(b.op, err, "creating spill run %s", name)
	}
	if err := file.Truncate(); err != nil {
		return newExecError(b.op, err, "truncating spill run %s", name)
	}
	if err := file.BatchAppend(b.buffered); err != nil {
		return newExecError(b.op, err, "writing spill run %s", name)
	}
	b.runFiles = append(b.runFiles, file)
	b.runNames = append(b.runNames, name)
	b.buffered = b.buffered[:0]
	b.used = 0
	return nil
}

// IterAndClear produces the fully sorted (and, if requested,
// deduplicated) sequence; every spill file is deleted when the returned
// source is closed. If nothing was ever spilled, it sorts and returns the
// in-memory buffer directly.
func (b *ExtSortBuffer) IterAndClear() (RowSource, error) {
	defer func() {
		b.buffered = nil
		b.used = 0
		b.runFiles = nil
		b.runNames = nil
	}()

	if len(b.runFiles) == 0 {
		stableSortRows(b.buffered, b.cmp)
		rows := b.buffered
		if b.dedup {
			rows = dedupSorted(rows, b.cmp)
		}
		return &sliceSource{rows: rows}, nil
	}

	if len(b.buffered) > 0 {
		if err := b.spill(); err != nil {
			return nil, err
		}
	}

	runs := make([]runSource, len(b.runFiles))
	for i, f := range b.runFiles {
		it, err := f.IterScan()
		if err != nil {
			return nil, newExecError(b.op, err, "scanning spill run %d", i)
		}
		runs[i] = heapFileRunSource{it: it}
	}
	merged := iterMerge(b.op, runs, b.cmp, b.dedup)
	return &deletingSource{RowSource: merged, ctx: b.ctx, names: append([]string(nil), b.runNames...)}, nil
}

// deletingSource deletes its backing spill files once the wrapped source
// is closed, releasing all temp files before IterAndClear's caller moves
// on, per §4.4's contract.
type deletingSource struct {
	RowSource
	ctx   *StatementContext
	names []string
}

func (d *deletingSource) Close() error {
	err := d.RowSource.Close()
	for _, n := range d.names {
		if derr := d.ctx.Storage.DeleteHeapFile(d.ctx.TmpTx, n); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func spillRunName(prefix string, idx int) string {
	return prefix + "-" + strconv.Itoa(idx)
}

// stableSortRows sorts rows in place using cmp, stable so ties preserve
// input order — spec §4.2 requires this for Pass 0.
func stableSortRows(rows []value.Row, cmp Cmp) {
	sort.SliceStable(rows, func(i, j int) bool { return cmp(rows[i], rows[j]) < 0 })
}

// dedupSorted collapses consecutive comparator-equal rows to their
// first occurrence.
func dedupSorted(rows []value.Row, cmp Cmp) []value.Row {
	if len(rows) == 0 {
		return rows
	}
	out := rows[:1]
	for _, r := range rows[1:] {
		if cmp(out[len(out)-1], r) != 0 {
			out = append(out, r)
		}
	}
	return out
}
