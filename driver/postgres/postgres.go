// Package postgres runs migrations against PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/driver/sqldriver"
	"github.com/root-talis/migrator/schema"
)

type DriverConfig struct {
	SchemaName          string // optional, search_path is used when empty
	MigrationsTableName string
	LockName            string
}

func Open(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	d := &dialect{lockKey: lockKey(config.LockName)}
	d.Renderer = sqldriver.Renderer{Quote: d.Quote, ColumnType: columnType}

	table := pgx.Identifier{config.MigrationsTableName}
	if config.SchemaName != "" {
		table = pgx.Identifier{config.SchemaName, config.MigrationsTableName}
	}

	return sqldriver.New(conn, d, table.Sanitize())
}

type dialect struct {
	sqldriver.Renderer
	lockKey int64
}

func (d *dialect) Quote(identifier string) string {
	return pgx.Identifier{identifier}.Sanitize()
}

func (d *dialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (d *dialect) TransactionalDDL() bool {
	return true
}

func (d *dialect) Timestamp(t time.Time) any {
	return t
}

func (d *dialect) RecordTableDDL(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"version    varchar(14)              NOT NULL PRIMARY KEY, "+
			"name       varchar(150)             NOT NULL, "+
			"applied_at timestamp with time zone NOT NULL"+
			")",
		table,
	)
}

func columnType(col schema.Column) string {
	switch col.Type {
	case schema.KindString:
		return fmt.Sprintf("character varying(%d)", col.MaxLength)
	case schema.KindInteger:
		return "integer"
	case schema.KindBigint:
		return "bigint"
	case schema.KindBoolean:
		return "boolean"
	case schema.KindTimestamp:
		return "timestamp with time zone"
	default:
		return "text"
	}
}

func (d *dialect) Render(op schema.Operation, _, after *schema.Schema) ([]string, error) {
	switch o := op.(type) {
	case schema.AddColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(o.Table), d.ColumnDefinition(o.Column))}, nil
	case schema.DropColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(o.Table), d.Quote(o.Name))}, nil
	case schema.AddIndex:
		return []string{d.CreateIndex(o.Table, o.Index)}, nil
	case schema.DropIndex:
		return []string{"DROP INDEX " + d.Quote(o.Name)}, nil
	case schema.AddForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(o.Table), d.ForeignKey(o.ForeignKey))}, nil
	case schema.DropForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.Quote(o.Table), d.Quote(o.Name))}, nil
	case schema.CreateTable:
		t, ok := after.Table(o.Definition.Name)
		if !ok {
			return nil, fmt.Errorf("%w: table %s", schema.ErrNotFound, o.Definition.Name)
		}
		stmts := []string{d.CreateTable(t.Name, t)}
		for _, idx := range t.Indexes {
			stmts = append(stmts, d.CreateIndex(t.Name, idx))
		}
		return stmts, nil
	case schema.DropTable:
		return []string{"DROP TABLE " + d.Quote(o.Name)}, nil
	}

	return nil, fmt.Errorf("postgres: unsupported operation %s", op)
}

func (d *dialect) Classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return sqldriver.Wrap(driver.ErrTransport, err)
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation,
		pgerrcode.ForeignKeyViolation,
		pgerrcode.NotNullViolation,
		pgerrcode.CheckViolation,
		pgerrcode.RestrictViolation:
		return sqldriver.Wrap(schema.ErrDataIntegrity, err)
	case pgerrcode.DuplicateTable, pgerrcode.DuplicateColumn, pgerrcode.DuplicateObject:
		return sqldriver.Wrap(schema.ErrConflict, err)
	case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn, pgerrcode.UndefinedObject:
		return sqldriver.Wrap(schema.ErrNotFound, err)
	case pgerrcode.InvalidForeignKey, pgerrcode.DependentObjectsStillExist:
		return sqldriver.Wrap(schema.ErrConstraint, err)
	case pgerrcode.LockNotAvailable, pgerrcode.DeadlockDetected, pgerrcode.SerializationFailure:
		return sqldriver.Wrap(driver.ErrConcurrency, err)
	}

	return sqldriver.Wrap(driver.ErrTransport, err)
}

// Lock takes a session-level advisory lock. It lives as long as the connection holding it, so the
// connection is kept out of the pool until release.
func (d *dialect) Lock(ctx context.Context, db *sql.DB) (func() error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection for the migration lock: %w", d.Classify(err))
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", d.lockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to take the migration lock: %w", d.Classify(err))
	}

	if !acquired {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: advisory lock %d", driver.ErrConcurrency, d.lockKey)
	}

	return func() error {
		defer conn.Close()

		var released bool
		err := conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", d.lockKey).Scan(&released)
		if err != nil {
			return fmt.Errorf("failed to release the migration lock: %w", d.Classify(err))
		}
		if !released {
			return fmt.Errorf("advisory lock %d was not held", d.lockKey)
		}
		return nil
	}, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
