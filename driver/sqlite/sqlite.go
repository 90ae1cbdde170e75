// Package sqlite runs migrations against SQLite files through modernc.org/sqlite.
//
// ALTER TABLE cannot add or drop foreign keys, nor add a NOT NULL column without a default. Those
// operations rebuild the table from the schema model: create a copy, move the rows, drop the
// original, rename the copy and recreate its indexes. Tables that other tables reference are not
// rebuilt.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/driver/sqldriver"
	"github.com/root-talis/migrator/schema"
)

const rebuildSuffix = "__rebuild"

type DriverConfig struct {
	MigrationsTableName string
	LockTableName       string
}

// Open opens the database file at path with foreign keys enforced.
func Open(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	return sql.Open("sqlite", dsn)
}

type Driver struct {
	*sqldriver.Driver
	dialect *dialect
}

var (
	_ driver.Driver   = (*Driver)(nil)
	_ driver.Unlocker = (*Driver)(nil)
)

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	d := &dialect{lockTable: quoteIdentifier(config.LockTableName)}
	d.Renderer = sqldriver.Renderer{Quote: d.Quote, ColumnType: columnType}

	return &Driver{
		Driver:  sqldriver.New(conn, d, quoteIdentifier(config.MigrationsTableName)),
		dialect: d,
	}
}

// ForceUnlock removes the marker row left behind by a run that did not release it.
func (drv *Driver) ForceUnlock(ctx context.Context) error {
	if err := drv.dialect.ensureLockTable(ctx, drv.DB()); err != nil {
		return err
	}
	if _, err := drv.DB().ExecContext(ctx, "DELETE FROM "+drv.dialect.lockTable); err != nil {
		return fmt.Errorf("failed to remove the migration lock: %w", drv.dialect.Classify(err))
	}
	return nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type dialect struct {
	sqldriver.Renderer
	lockTable string
}

func (d *dialect) Quote(identifier string) string {
	return quoteIdentifier(identifier)
}

func (d *dialect) Placeholder(int) string {
	return "?"
}

func (d *dialect) TransactionalDDL() bool {
	return true
}

func (d *dialect) Timestamp(t time.Time) any {
	return t.Format(time.RFC3339Nano)
}

func (d *dialect) RecordTableDDL(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"version    TEXT NOT NULL PRIMARY KEY, "+
			"name       TEXT NOT NULL, "+
			"applied_at TEXT NOT NULL"+
			")",
		table,
	)
}

func columnType(col schema.Column) string {
	switch col.Type {
	case schema.KindString:
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	case schema.KindInteger:
		return "INTEGER"
	case schema.KindBigint:
		return "BIGINT"
	case schema.KindBoolean:
		return "BOOLEAN"
	case schema.KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (d *dialect) Render(op schema.Operation, before, after *schema.Schema) ([]string, error) {
	switch o := op.(type) {
	case schema.AddColumn:
		if o.Column.Nullable || o.Column.Default != nil {
			return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(o.Table), d.ColumnDefinition(o.Column))}, nil
		}
		return d.rebuild(o.Table, before, after)
	case schema.DropColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(o.Table), d.Quote(o.Name))}, nil
	case schema.AddIndex:
		return []string{d.CreateIndex(o.Table, o.Index)}, nil
	case schema.DropIndex:
		return []string{"DROP INDEX " + d.Quote(o.Name)}, nil
	case schema.AddForeignKey, schema.DropForeignKey:
		return d.rebuild(op.TableName(), before, after)
	case schema.CreateTable:
		t, ok := after.Table(o.Definition.Name)
		if !ok {
			return nil, fmt.Errorf("%w: table %s", schema.ErrNotFound, o.Definition.Name)
		}
		return d.createTable(t.Name, t), nil
	case schema.DropTable:
		return []string{"DROP TABLE " + d.Quote(o.Name)}, nil
	}

	return nil, fmt.Errorf("sqlite: unsupported operation %s", op)
}

func (d *dialect) createTable(name string, t *schema.Table) []string {
	stmts := []string{d.CreateTable(name, t)}
	for _, idx := range t.Indexes {
		stmts = append(stmts, d.CreateIndex(name, idx))
	}
	return stmts
}

func (d *dialect) rebuild(table string, before, after *schema.Schema) ([]string, error) {
	if refs := before.ReferencedBy(table); len(refs) > 0 {
		return nil, fmt.Errorf(
			"%w: changing %s requires rebuilding it, but it is referenced by %s",
			schema.ErrConstraint, table, strings.Join(refs, ", "),
		)
	}

	old, ok := before.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: table %s", schema.ErrNotFound, table)
	}
	t, ok := after.Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: table %s", schema.ErrNotFound, table)
	}

	var kept []string
	for _, col := range t.Columns {
		if _, ok := old.Column(col.Name); ok {
			kept = append(kept, col.Name)
		}
	}

	tmp := table + rebuildSuffix
	stmts := []string{
		d.CreateTable(tmp, t),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", d.Quote(tmp), d.List(kept), d.List(kept), d.Quote(table)),
		"DROP TABLE " + d.Quote(table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(tmp), d.Quote(table)),
	}
	for _, idx := range t.Indexes {
		stmts = append(stmts, d.CreateIndex(table, idx))
	}

	return stmts, nil
}

func (d *dialect) Classify(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return sqldriver.Wrap(schema.ErrDataIntegrity, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return sqldriver.Wrap(driver.ErrConcurrency, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists"), strings.Contains(msg, "duplicate column name"):
		return sqldriver.Wrap(schema.ErrConflict, err)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "no such index"):
		return sqldriver.Wrap(schema.ErrNotFound, err)
	}

	return sqldriver.Wrap(driver.ErrTransport, err)
}

func (d *dialect) ensureLockTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"id          INTEGER NOT NULL PRIMARY KEY CHECK (id = 1), "+
			"owner       TEXT    NOT NULL, "+
			"acquired_at TEXT    NOT NULL"+
			")",
		d.lockTable,
	))
	if err != nil {
		return fmt.Errorf("failed to create lock table %s: %w", d.lockTable, d.Classify(err))
	}
	return nil
}

// Lock inserts the single marker row of the lock table. The row survives a crashed run; see
// ForceUnlock.
func (d *dialect) Lock(ctx context.Context, db *sql.DB) (func() error, error) {
	if err := d.ensureLockTable(ctx, db); err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	_, err := db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, owner, acquired_at) VALUES (1, ?, ?)", d.lockTable),
		owner, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		err = d.Classify(err)
		if errors.Is(err, schema.ErrDataIntegrity) {
			return nil, fmt.Errorf("%w: %s", driver.ErrConcurrency, d.holder(ctx, db))
		}
		return nil, fmt.Errorf("failed to take the migration lock: %w", err)
	}

	return func() error {
		res, err := db.ExecContext(context.Background(),
			fmt.Sprintf("DELETE FROM %s WHERE id = 1 AND owner = ?", d.lockTable), owner)
		if err != nil {
			return fmt.Errorf("failed to release the migration lock: %w", d.Classify(err))
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("migration lock %s was not held by %s", d.lockTable, owner)
		}
		return nil
	}, nil
}

func (d *dialect) holder(ctx context.Context, db *sql.DB) string {
	var owner, acquiredAt string
	err := db.QueryRowContext(ctx, "SELECT owner, acquired_at FROM "+d.lockTable+" WHERE id = 1").Scan(&owner, &acquiredAt)
	if err != nil {
		return "lock is held by another run"
	}
	return fmt.Sprintf("lock is held by %s since %s", owner, acquiredAt)
}
