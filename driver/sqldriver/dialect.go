// Package sqldriver executes schema changes through database/sql. The SQL itself comes from a
// Dialect; postgres, mysql and sqlite each provide one.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/root-talis/migrator/schema"
)

type Dialect interface {
	Quote(identifier string) string
	Placeholder(n int) string

	// TransactionalDDL reports whether DDL statements take part in the surrounding transaction.
	TransactionalDDL() bool

	// Render returns the statements for op, which turned before into after.
	Render(op schema.Operation, before, after *schema.Schema) ([]string, error)

	RecordTableDDL(table string) string
	Timestamp(t time.Time) any

	// Classify wraps a database error into the driver and schema error sentinels.
	Classify(err error) error

	Lock(ctx context.Context, db *sql.DB) (release func() error, err error)
}

// Renderer builds the DDL fragments every dialect shares.
type Renderer struct {
	Quote      func(string) string
	ColumnType func(schema.Column) string
}

func (r Renderer) List(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = r.Quote(name)
	}
	return strings.Join(quoted, ", ")
}

func (r Renderer) ColumnDefinition(col schema.Column) string {
	var b strings.Builder
	b.WriteString(r.Quote(col.Name))
	b.WriteString(" ")
	b.WriteString(r.ColumnType(col))
	if col.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*col.Default)
	}
	return b.String()
}

func (r Renderer) PrimaryKey(pk *schema.PrimaryKey) string {
	return fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)", r.Quote(pk.Name), r.List(pk.Columns))
}

func (r Renderer) ForeignKey(fk schema.ForeignKey) string {
	return fmt.Sprintf(
		"CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s",
		r.Quote(fk.Name), r.List(fk.Columns), r.Quote(fk.RefTable), r.List(fk.RefColumns), OnDelete(fk.OnDelete),
	)
}

// CreateTable renders columns, primary key and foreign keys of t, followed by the extra definitions.
// Indexes are left to the caller.
func (r Renderer) CreateTable(name string, t *schema.Table, extra ...string) string {
	defs := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+len(extra)+1)
	for _, col := range t.Columns {
		defs = append(defs, r.ColumnDefinition(col))
	}
	if t.PrimaryKey != nil {
		defs = append(defs, r.PrimaryKey(t.PrimaryKey))
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, r.ForeignKey(fk))
	}
	defs = append(defs, extra...)

	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", r.Quote(name), strings.Join(defs, ",\n    "))
}

func (r Renderer) CreateIndex(table string, idx schema.Index) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, r.Quote(idx.Name), r.Quote(table), r.List(idx.Columns))
}

func OnDelete(action schema.ReferentialAction) string {
	switch action {
	case schema.Restrict:
		return "RESTRICT"
	case schema.Cascade:
		return "CASCADE"
	case schema.SetNull:
		return "SET NULL"
	default:
		return "NO ACTION"
	}
}

// Wrap attaches an error kind to a database error.
func Wrap(kind error, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
