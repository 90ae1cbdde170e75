// Package schema holds the in-memory model of a relational schema and the atomic operations that
// transform it.
package schema

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// UnknownRows marks a table whose row count was not refreshed from the database.
const UnknownRows int64 = -1

type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  *PrimaryKey  `yaml:"primary_key,omitempty"`
	Indexes     []Index      `yaml:"indexes,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`

	Rows int64 `yaml:"-"`
}

func (t *Table) Column(name string) (Column, bool) {
	i := t.columnPos(name)
	if i < 0 {
		return Column{}, false
	}
	return t.Columns[i], true
}

func (t *Table) Index(name string) (Index, bool) {
	i := t.indexPos(name)
	if i < 0 {
		return Index{}, false
	}
	return t.Indexes[i], true
}

func (t *Table) ForeignKey(name string) (ForeignKey, bool) {
	i := t.foreignKeyPos(name)
	if i < 0 {
		return ForeignKey{}, false
	}
	return t.ForeignKeys[i], true
}

func (t *Table) columnPos(name string) int {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) indexPos(name string) int {
	for i := range t.Indexes {
		if t.Indexes[i].Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) foreignKeyPos(name string) int {
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Name == name {
			return i
		}
	}
	return -1
}

// isUniqueKey reports whether columns are exactly the primary key or exactly a unique index.
func (t *Table) isUniqueKey(columns []string) bool {
	if t.PrimaryKey != nil && sameStrings(t.PrimaryKey.Columns, columns) {
		return true
	}
	for _, idx := range t.Indexes {
		if idx.Unique && sameStrings(idx.Columns, columns) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Name: t.Name,
		Rows: t.Rows,
	}

	c.Columns = make([]Column, len(t.Columns))
	for i, col := range t.Columns {
		c.Columns[i] = col.clone()
	}

	if t.PrimaryKey != nil {
		c.PrimaryKey = &PrimaryKey{Name: t.PrimaryKey.Name, Columns: cloneStrings(t.PrimaryKey.Columns)}
	}

	for _, idx := range t.Indexes {
		c.Indexes = append(c.Indexes, idx.clone())
	}

	for _, fk := range t.ForeignKeys {
		c.ForeignKeys = append(c.ForeignKeys, fk.clone())
	}

	return c
}

// ---

// Schema is an explicit, versioned model of the database structure. History lists the versions of the
// migration steps that produced it on top of the baseline.
type Schema struct {
	tables  *orderedmap.OrderedMap[string, *Table]
	History []string
}

func New() *Schema {
	return &Schema{
		tables: orderedmap.New[string, *Table](),
	}
}

// Version is the last applied step version, or "" for the baseline.
func (s *Schema) Version() string {
	if len(s.History) == 0 {
		return ""
	}
	return s.History[len(s.History)-1]
}

func (s *Schema) Table(name string) (*Table, bool) {
	return s.tables.Get(name)
}

// Tables returns the tables in declaration order.
func (s *Schema) Tables() []*Table {
	result := make([]*Table, 0, s.tables.Len())
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

func (s *Schema) TableNames() []string {
	result := make([]string, 0, s.tables.Len())
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Key)
	}
	return result
}

// SetRows refreshes row counts. Tables missing from counts become UnknownRows.
func (s *Schema) SetRows(counts map[string]int64) {
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		if n, ok := counts[pair.Key]; ok {
			pair.Value.Rows = n
		} else {
			pair.Value.Rows = UnknownRows
		}
	}
}

func (s *Schema) Clone() *Schema {
	c := New()
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		c.tables.Set(pair.Key, pair.Value.Clone())
	}
	c.History = cloneStrings(s.History)
	return c
}

func (s *Schema) putTable(t *Table) {
	s.tables.Set(t.Name, t)
}

func (s *Schema) removeTable(name string) {
	s.tables.Delete(name)
}

// indexOwner finds the table holding an index name. Index names share one namespace per schema.
func (s *Schema) indexOwner(name string) (*Table, bool) {
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.indexPos(name) >= 0 {
			return pair.Value, true
		}
	}
	return nil, false
}

func (s *Schema) foreignKeyOwner(name string) (*Table, bool) {
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.foreignKeyPos(name) >= 0 {
			return pair.Value, true
		}
	}
	return nil, false
}

type reference struct {
	table string
	fk    ForeignKey
}

// referencesTo lists foreign keys of other tables pointing at table.
func (s *Schema) referencesTo(table string) []reference {
	var result []reference
	for pair := s.tables.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == table {
			continue
		}
		for _, fk := range pair.Value.ForeignKeys {
			if fk.RefTable == table {
				result = append(result, reference{table: pair.Key, fk: fk})
			}
		}
	}
	return result
}

// ReferencedBy returns the names of the other tables holding a foreign key to table.
func (s *Schema) ReferencedBy(table string) []string {
	var result []string
	for _, ref := range s.referencesTo(table) {
		if !containsString(result, ref.table) {
			result = append(result, ref.table)
		}
	}
	return result
}
