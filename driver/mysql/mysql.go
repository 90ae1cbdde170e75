// Package mysql runs migrations against MySQL and MariaDB.
//
// DDL commits implicitly on these servers, so a failed step is undone by running the inverses of its
// already executed operations. MySQL also creates an index for every foreign key that no existing
// index covers; such indexes are not part of the schema model and go away with their table.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/driver/sqldriver"
	"github.com/root-talis/migrator/schema"
)

type DriverConfig struct {
	DatabaseName        string
	MigrationsTableName string
	LockName            string
}

func Open(dsn string) (*sql.DB, error) {
	return sql.Open("mysql", dsn)
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	d := &dialect{lockName: config.LockName}
	d.Renderer = sqldriver.Renderer{Quote: d.Quote, ColumnType: columnType}

	return sqldriver.New(conn, d, makeEscapedMigrationsTableName(config))
}

func makeEscapedMigrationsTableName(config DriverConfig) string {
	if config.DatabaseName == "" {
		return quoteIdentifier(config.MigrationsTableName)
	}
	return quoteIdentifier(config.DatabaseName) + "." + quoteIdentifier(config.MigrationsTableName)
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

type dialect struct {
	sqldriver.Renderer
	lockName string
}

func (d *dialect) Quote(identifier string) string {
	return quoteIdentifier(identifier)
}

func (d *dialect) Placeholder(int) string {
	return "?"
}

func (d *dialect) TransactionalDDL() bool {
	return false
}

func (d *dialect) Timestamp(t time.Time) any {
	return t
}

func (d *dialect) RecordTableDDL(table string) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"version    varchar(14)  not null, "+
			"name       varchar(150) not null, "+
			"applied_at datetime(6)  not null, "+
			"primary key (version)"+
			") default charset utf8",
		table,
	)
}

func columnType(col schema.Column) string {
	switch col.Type {
	case schema.KindString:
		return fmt.Sprintf("varchar(%d)", col.MaxLength)
	case schema.KindInteger:
		return "int"
	case schema.KindBigint:
		return "bigint"
	case schema.KindBoolean:
		return "tinyint(1)"
	case schema.KindTimestamp:
		return "datetime(6)"
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
		return []string{fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(o.Name), d.Quote(o.Table))}, nil
	case schema.AddForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(o.Table), d.ForeignKey(o.ForeignKey))}, nil
	case schema.DropForeignKey:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.Quote(o.Table), d.Quote(o.Name))}, nil
	case schema.CreateTable:
		t, ok := after.Table(o.Definition.Name)
		if !ok {
			return nil, fmt.Errorf("%w: table %s", schema.ErrNotFound, o.Definition.Name)
		}
		// a single statement, so that a failure leaves nothing behind
		indexes := make([]string, 0, len(t.Indexes))
		for _, idx := range t.Indexes {
			indexes = append(indexes, d.inlineIndex(idx))
		}
		return []string{d.CreateTable(t.Name, t, indexes...) + " DEFAULT CHARSET utf8"}, nil
	case schema.DropTable:
		return []string{"DROP TABLE " + d.Quote(o.Name)}, nil
	}

	return nil, fmt.Errorf("mysql: unsupported operation %s", op)
}

func (d *dialect) inlineIndex(idx schema.Index) string {
	if idx.Unique {
		return fmt.Sprintf("UNIQUE INDEX %s (%s)", d.Quote(idx.Name), d.List(idx.Columns))
	}
	return fmt.Sprintf("INDEX %s (%s)", d.Quote(idx.Name), d.List(idx.Columns))
}

// MySQL server error numbers.
const (
	errTableExists        = 1050
	errBadField           = 1054
	errDupFieldName       = 1060
	errDupKeyName         = 1061
	errDupEntry           = 1062
	errCantDropFieldOrKey = 1091
	errNoSuchTable        = 1146
	errBadNull            = 1048
	errLockWaitTimeout    = 1205
	errLockDeadlock       = 1213
	errCannotAddFK        = 1215
	errRowIsReferenced    = 1451
	errNoReferencedRow    = 1452
	errFKNoIndexParent    = 1822
	errFKDupName          = 1826
	errInvalidUseOfNull   = 1138
	errDropIndexFK        = 1553
)

func (d *dialect) Classify(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return sqldriver.Wrap(driver.ErrTransport, err)
	}

	switch myErr.Number {
	case errDupEntry, errBadNull, errInvalidUseOfNull, errRowIsReferenced, errNoReferencedRow:
		return sqldriver.Wrap(schema.ErrDataIntegrity, err)
	case errTableExists, errDupFieldName, errDupKeyName, errFKDupName:
		return sqldriver.Wrap(schema.ErrConflict, err)
	case errNoSuchTable, errBadField, errCantDropFieldOrKey:
		return sqldriver.Wrap(schema.ErrNotFound, err)
	case errCannotAddFK, errFKNoIndexParent, errDropIndexFK:
		return sqldriver.Wrap(schema.ErrConstraint, err)
	case errLockWaitTimeout, errLockDeadlock:
		return sqldriver.Wrap(driver.ErrConcurrency, err)
	}

	return sqldriver.Wrap(driver.ErrTransport, err)
}

// Lock takes a named lock. It belongs to the session, so the connection is kept out of the pool
// until release.
func (d *dialect) Lock(ctx context.Context, db *sql.DB) (func() error, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection for the migration lock: %w", d.Classify(err))
	}

	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", d.lockName).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to take the migration lock: %w", d.Classify(err))
	}

	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: named lock %s", driver.ErrConcurrency, d.lockName)
	}

	return func() error {
		defer conn.Close()

		var released sql.NullInt64
		if err := conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", d.lockName).Scan(&released); err != nil {
			return fmt.Errorf("failed to release the migration lock: %w", d.Classify(err))
		}
		if !released.Valid || released.Int64 != 1 {
			return fmt.Errorf("named lock %s was not held", d.lockName)
		}
		return nil
	}, nil
}
