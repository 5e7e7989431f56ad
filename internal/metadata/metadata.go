// Package metadata models table schemas and output column lineage, the
// bookkeeping the operator framework threads through compiled properties.
// It is a deliberately thin contract: the full schema-versioning and
// constraint machinery of a real metadata manager lives outside the core
// (see spec §1's external collaborators); this package carries only the
// ordered column list and uniqueness info that the core actually reads.
package metadata

import "fmt"

// ColumnInfo names and types a single column.
type ColumnInfo struct {
	Name string
	Type ColumnType
}

// ColumnType mirrors value.Type without importing it, so that metadata
// has no dependency on the row representation package.
type ColumnType int

const (
	TypeDatetime ColumnType = iota
	TypeFloat
	TypeInteger
	TypeBoolean
	TypeVarchar
	TypeAny
)

// TableMetadata is the ordered list of column names/types for a base
// table, plus which columns are individually unique (e.g. primary key or
// unique-indexed single columns).
type TableMetadata struct {
	TableName     string
	Columns       []ColumnInfo
	UniqueColumns map[int]bool // column index -> unique
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t *TableMetadata) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ColumnRef identifies an output column's provenance: the table alias it
// was read through, and the base column name.
type ColumnRef struct {
	Alias  string
	Column string
}

func (r ColumnRef) String() string { return fmt.Sprintf("%s.%s", r.Alias, r.Column) }

// Lineage is the per-output-column set of ColumnRef that may legally
// reference it. Index i of Lineage corresponds to output column i.
type Lineage []map[ColumnRef]struct{}

// NewLineage allocates an empty lineage of width n.
func NewLineage(n int) Lineage {
	l := make(Lineage, n)
	for i := range l {
		l[i] = map[ColumnRef]struct{}{}
	}
	return l
}

// Union returns the pointwise union of lineage sets at index i.
func (l Lineage) Union(i int, refs map[ColumnRef]struct{}) {
	for r := range refs {
		l[i][r] = struct{}{}
	}
}

// Manager is the metadata-manager contract the core consumes: lookup of
// base table metadata by name.
type Manager interface {
	Table(name string) (*TableMetadata, error)
}

// MapManager is a trivial in-memory Manager, sufficient to drive the core
// end to end without a real catalog service.
type MapManager struct {
	tables map[string]*TableMetadata
}

// NewMapManager builds a Manager over the given tables.
func NewMapManager(tables ...*TableMetadata) *MapManager {
	m := &MapManager{tables: make(map[string]*TableMetadata, len(tables))}
	for _, t := range tables {
		m.tables[t.TableName] = t
	}
	return m
}

// Table implements Manager.
func (m *MapManager) Table(name string) (*TableMetadata, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("metadata: table %q not found", name)
	}
	return t, nil
}
