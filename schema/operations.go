package schema

import (
	"fmt"
	"strings"
)

type Kind string

const (
	OpAddColumn      Kind = "add_column"
	OpDropColumn     Kind = "drop_column"
	OpAddIndex       Kind = "add_index"
	OpDropIndex      Kind = "drop_index"
	OpAddForeignKey  Kind = "add_foreign_key"
	OpDropForeignKey Kind = "drop_foreign_key"
	OpCreateTable    Kind = "create_table"
	OpDropTable      Kind = "drop_table"
)

// Operation is one atomic DDL action. Apply either changes the schema or leaves it untouched and
// returns an error wrapping one of the package sentinels. Inverse is computed against the schema as
// it was before the operation.
type Operation interface {
	Kind() Kind
	TableName() string
	Apply(s *Schema) error
	Inverse(before *Schema) (Operation, error)
	String() string

	operation()
}

var (
	_ Operation = AddColumn{}
	_ Operation = DropColumn{}
	_ Operation = AddIndex{}
	_ Operation = DropIndex{}
	_ Operation = AddForeignKey{}
	_ Operation = DropForeignKey{}
	_ Operation = CreateTable{}
	_ Operation = DropTable{}
)

func lookupTable(s *Schema, name string) (*Table, error) {
	t, ok := s.Table(name)
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ErrNotFound, name)
	}
	return t, nil
}

// -- columns ----------------------------

type AddColumn struct {
	Table  string `yaml:"table"`
	Column Column `yaml:"column"`
}

func (AddColumn) operation()          {}
func (AddColumn) Kind() Kind          { return OpAddColumn }
func (o AddColumn) TableName() string { return o.Table }

func (o AddColumn) String() string {
	return fmt.Sprintf("add column %s.%s", o.Table, o.Column.Name)
}

func (o AddColumn) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}
	if err := o.Column.validate(); err != nil {
		return err
	}
	if _, exists := t.Column(o.Column.Name); exists {
		return fmt.Errorf("%w: column %s.%s", ErrConflict, o.Table, o.Column.Name)
	}
	if !o.Column.Nullable && o.Column.Default == nil && t.Rows > 0 {
		return fmt.Errorf(
			"%w: non-nullable column %s.%s without a default cannot be added to a table with %d rows",
			ErrDataIntegrity, o.Table, o.Column.Name, t.Rows,
		)
	}

	t.Columns = append(t.Columns, o.Column.clone())
	return nil
}

func (o AddColumn) Inverse(_ *Schema) (Operation, error) {
	return DropColumn{Table: o.Table, Name: o.Column.Name}, nil
}

type DropColumn struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropColumn) operation()          {}
func (DropColumn) Kind() Kind          { return OpDropColumn }
func (o DropColumn) TableName() string { return o.Table }

func (o DropColumn) String() string {
	return fmt.Sprintf("drop column %s.%s", o.Table, o.Name)
}

func (o DropColumn) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}

	pos := t.columnPos(o.Name)
	if pos < 0 {
		return fmt.Errorf("%w: column %s.%s", ErrNotFound, o.Table, o.Name)
	}

	if t.PrimaryKey != nil && containsString(t.PrimaryKey.Columns, o.Name) {
		return fmt.Errorf("%w: column %s.%s is part of primary key %s", ErrConstraint, o.Table, o.Name, t.PrimaryKey.Name)
	}
	for _, idx := range t.Indexes {
		if containsString(idx.Columns, o.Name) {
			return fmt.Errorf("%w: column %s.%s is used by index %s", ErrConstraint, o.Table, o.Name, idx.Name)
		}
	}
	for _, fk := range t.ForeignKeys {
		if containsString(fk.Columns, o.Name) {
			return fmt.Errorf("%w: column %s.%s is used by foreign key %s", ErrConstraint, o.Table, o.Name, fk.Name)
		}
	}
	for _, ref := range s.referencesTo(o.Table) {
		if containsString(ref.fk.RefColumns, o.Name) {
			return fmt.Errorf("%w: column %s.%s is referenced by foreign key %s.%s", ErrConstraint, o.Table, o.Name, ref.table, ref.fk.Name)
		}
	}

	t.Columns = append(t.Columns[:pos], t.Columns[pos+1:]...)
	return nil
}

func (o DropColumn) Inverse(before *Schema) (Operation, error) {
	t, err := lookupTable(before, o.Table)
	if err != nil {
		return nil, err
	}
	col, ok := t.Column(o.Name)
	if !ok {
		return nil, fmt.Errorf("%w: column %s.%s", ErrNotFound, o.Table, o.Name)
	}
	return AddColumn{Table: o.Table, Column: col.clone()}, nil
}

// -- indexes ----------------------------

type AddIndex struct {
	Table string `yaml:"table"`
	Index `yaml:",inline"`
}

func (AddIndex) operation()          {}
func (AddIndex) Kind() Kind          { return OpAddIndex }
func (o AddIndex) TableName() string { return o.Table }

func (o AddIndex) String() string {
	kind := "index"
	if o.Unique {
		kind = "unique index"
	}
	return fmt.Sprintf("add %s %s on %s(%s)", kind, o.Name, o.Table, strings.Join(o.Columns, ", "))
}

func (o AddIndex) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}
	if err := o.Index.checkOn(s, t); err != nil {
		return err
	}

	t.Indexes = append(t.Indexes, o.Index.clone())
	return nil
}

func (i Index) checkOn(s *Schema, t *Table) error {
	if i.Name == "" {
		return fmt.Errorf("%w: index on %s has no name", ErrConstraint, t.Name)
	}
	if len(i.Columns) == 0 {
		return fmt.Errorf("%w: index %s has no columns", ErrConstraint, i.Name)
	}
	for _, col := range i.Columns {
		if _, ok := t.Column(col); !ok {
			return fmt.Errorf("%w: column %s.%s for index %s", ErrNotFound, t.Name, col, i.Name)
		}
	}
	if owner, exists := s.indexOwner(i.Name); exists {
		return fmt.Errorf("%w: index %s (on %s)", ErrConflict, i.Name, owner.Name)
	}
	return nil
}

func (o AddIndex) Inverse(_ *Schema) (Operation, error) {
	return DropIndex{Table: o.Table, Name: o.Name}, nil
}

type DropIndex struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropIndex) operation()          {}
func (DropIndex) Kind() Kind          { return OpDropIndex }
func (o DropIndex) TableName() string { return o.Table }

func (o DropIndex) String() string {
	return fmt.Sprintf("drop index %s on %s", o.Name, o.Table)
}

func (o DropIndex) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}

	pos := t.indexPos(o.Name)
	if pos < 0 {
		return fmt.Errorf("%w: index %s on %s", ErrNotFound, o.Name, o.Table)
	}

	// a unique index may be the only thing making a referenced column set a key
	idx := t.Indexes[pos]
	if idx.Unique {
		remaining := t.Clone()
		remaining.Indexes = append(remaining.Indexes[:pos], remaining.Indexes[pos+1:]...)
		for _, ref := range s.referencesTo(o.Table) {
			if sameStrings(ref.fk.RefColumns, idx.Columns) && !remaining.isUniqueKey(idx.Columns) {
				return fmt.Errorf("%w: index %s backs foreign key %s.%s", ErrConstraint, o.Name, ref.table, ref.fk.Name)
			}
		}
	}

	t.Indexes = append(t.Indexes[:pos], t.Indexes[pos+1:]...)
	return nil
}

func (o DropIndex) Inverse(before *Schema) (Operation, error) {
	t, err := lookupTable(before, o.Table)
	if err != nil {
		return nil, err
	}
	idx, ok := t.Index(o.Name)
	if !ok {
		return nil, fmt.Errorf("%w: index %s on %s", ErrNotFound, o.Name, o.Table)
	}
	return AddIndex{Table: o.Table, Index: idx.clone()}, nil
}

// -- foreign keys -----------------------

type AddForeignKey struct {
	Table      string `yaml:"table"`
	ForeignKey `yaml:",inline"`
}

func (AddForeignKey) operation()          {}
func (AddForeignKey) Kind() Kind          { return OpAddForeignKey }
func (o AddForeignKey) TableName() string { return o.Table }

func (o AddForeignKey) String() string {
	return fmt.Sprintf(
		"add foreign key %s on %s(%s) -> %s(%s) on delete %s",
		o.Name, o.Table, strings.Join(o.Columns, ", "),
		o.RefTable, strings.Join(o.RefColumns, ", "), o.OnDelete,
	)
}

func (o AddForeignKey) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}
	if err := o.ForeignKey.checkOn(s, t); err != nil {
		return err
	}

	t.ForeignKeys = append(t.ForeignKeys, o.ForeignKey.clone())
	return nil
}

func (fk ForeignKey) checkOn(s *Schema, t *Table) error { //nolint:cyclop
	if fk.Name == "" {
		return fmt.Errorf("%w: foreign key on %s has no name", ErrConstraint, t.Name)
	}
	if !fk.OnDelete.Valid() {
		return fmt.Errorf("%w: foreign key %s has invalid delete action %s", ErrConstraint, fk.Name, fk.OnDelete)
	}
	if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
		return fmt.Errorf("%w: foreign key %s must map the same number of columns on both sides", ErrConstraint, fk.Name)
	}
	if owner, exists := s.foreignKeyOwner(fk.Name); exists {
		return fmt.Errorf("%w: foreign key %s (on %s)", ErrConflict, fk.Name, owner.Name)
	}

	ref, ok := s.Table(fk.RefTable)
	if !ok {
		return fmt.Errorf("%w: table %s referenced by foreign key %s", ErrNotFound, fk.RefTable, fk.Name)
	}

	for i, name := range fk.Columns {
		col, ok := t.Column(name)
		if !ok {
			return fmt.Errorf("%w: column %s.%s for foreign key %s", ErrNotFound, t.Name, name, fk.Name)
		}
		refCol, ok := ref.Column(fk.RefColumns[i])
		if !ok {
			return fmt.Errorf("%w: column %s.%s referenced by foreign key %s", ErrNotFound, ref.Name, fk.RefColumns[i], fk.Name)
		}
		if col.Type != refCol.Type {
			return fmt.Errorf(
				"%w: foreign key %s maps %s (%s) to %s.%s (%s)",
				ErrConstraint, fk.Name, name, col.Type, ref.Name, refCol.Name, refCol.Type,
			)
		}
		if fk.OnDelete == SetNull && !col.Nullable {
			return fmt.Errorf("%w: foreign key %s sets non-nullable column %s.%s to null", ErrConstraint, fk.Name, t.Name, name)
		}
	}

	if !ref.isUniqueKey(fk.RefColumns) {
		return fmt.Errorf(
			"%w: foreign key %s references %s(%s) which is neither the primary key nor uniquely indexed",
			ErrConstraint, fk.Name, ref.Name, strings.Join(fk.RefColumns, ", "),
		)
	}

	return nil
}

func (o AddForeignKey) Inverse(_ *Schema) (Operation, error) {
	return DropForeignKey{Table: o.Table, Name: o.Name}, nil
}

type DropForeignKey struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (DropForeignKey) operation()          {}
func (DropForeignKey) Kind() Kind          { return OpDropForeignKey }
func (o DropForeignKey) TableName() string { return o.Table }

func (o DropForeignKey) String() string {
	return fmt.Sprintf("drop foreign key %s on %s", o.Name, o.Table)
}

func (o DropForeignKey) Apply(s *Schema) error {
	t, err := lookupTable(s, o.Table)
	if err != nil {
		return err
	}

	pos := t.foreignKeyPos(o.Name)
	if pos < 0 {
		return fmt.Errorf("%w: foreign key %s on %s", ErrNotFound, o.Name, o.Table)
	}

	t.ForeignKeys = append(t.ForeignKeys[:pos], t.ForeignKeys[pos+1:]...)
	return nil
}

func (o DropForeignKey) Inverse(before *Schema) (Operation, error) {
	t, err := lookupTable(before, o.Table)
	if err != nil {
		return nil, err
	}
	fk, ok := t.ForeignKey(o.Name)
	if !ok {
		return nil, fmt.Errorf("%w: foreign key %s on %s", ErrNotFound, o.Name, o.Table)
	}
	return AddForeignKey{Table: o.Table, ForeignKey: fk.clone()}, nil
}

// -- tables -----------------------------

type CreateTable struct {
	Definition Table `yaml:",inline"`
}

func (CreateTable) operation()          {}
func (CreateTable) Kind() Kind          { return OpCreateTable }
func (o CreateTable) TableName() string { return o.Definition.Name }

func (o CreateTable) String() string {
	return fmt.Sprintf("create table %s", o.Definition.Name)
}

func (o CreateTable) Apply(s *Schema) error {
	def := o.Definition.Clone()

	if def.Name == "" {
		return fmt.Errorf("%w: table name is empty", ErrConstraint)
	}
	if _, exists := s.Table(def.Name); exists {
		return fmt.Errorf("%w: table %s", ErrConflict, def.Name)
	}
	if len(def.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrConstraint, def.Name)
	}

	seen := make(map[string]bool, len(def.Columns))
	for _, col := range def.Columns {
		if err := col.validate(); err != nil {
			return err
		}
		if seen[col.Name] {
			return fmt.Errorf("%w: column %s.%s is declared twice", ErrConflict, def.Name, col.Name)
		}
		seen[col.Name] = true
	}

	if def.PrimaryKey == nil || len(def.PrimaryKey.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no primary key", ErrConstraint, def.Name)
	}
	for _, name := range def.PrimaryKey.Columns {
		col, ok := def.Column(name)
		if !ok {
			return fmt.Errorf("%w: primary key column %s.%s", ErrNotFound, def.Name, name)
		}
		if col.Nullable {
			return fmt.Errorf("%w: primary key column %s.%s is nullable", ErrConstraint, def.Name, name)
		}
	}

	indexes, foreignKeys := def.Indexes, def.ForeignKeys
	def.Indexes, def.ForeignKeys = nil, nil
	def.Rows = 0
	s.putTable(def)

	// indexes and foreign keys go through the same checks as their standalone operations
	for _, idx := range indexes {
		if err := (AddIndex{Table: def.Name, Index: idx}).Apply(s); err != nil {
			s.removeTable(def.Name)
			return err
		}
	}
	for _, fk := range foreignKeys {
		if err := (AddForeignKey{Table: def.Name, ForeignKey: fk}).Apply(s); err != nil {
			s.removeTable(def.Name)
			return err
		}
	}

	return nil
}

func (o CreateTable) Inverse(_ *Schema) (Operation, error) {
	return DropTable{Name: o.Definition.Name}, nil
}

type DropTable struct {
	Name string `yaml:"name"`
}

func (DropTable) operation()          {}
func (DropTable) Kind() Kind          { return OpDropTable }
func (o DropTable) TableName() string { return o.Name }

func (o DropTable) String() string {
	return fmt.Sprintf("drop table %s", o.Name)
}

func (o DropTable) Apply(s *Schema) error {
	if _, err := lookupTable(s, o.Name); err != nil {
		return err
	}
	if refs := s.referencesTo(o.Name); len(refs) > 0 {
		return fmt.Errorf("%w: table %s is referenced by foreign key %s.%s", ErrConstraint, o.Name, refs[0].table, refs[0].fk.Name)
	}

	s.removeTable(o.Name)
	return nil
}

func (o DropTable) Inverse(before *Schema) (Operation, error) {
	t, err := lookupTable(before, o.Name)
	if err != nil {
		return nil, err
	}
	def := t.Clone()
	def.Rows = 0
	return CreateTable{Definition: *def}, nil
}
