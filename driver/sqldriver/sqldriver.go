package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
)

type Driver struct {
	db          *sql.DB
	dialect     Dialect
	recordTable string
}

var _ driver.Driver = (*Driver)(nil)

// New returns a driver recording applied migrations in recordTable, which must already be quoted.
func New(db *sql.DB, dialect Dialect, recordTable string) *Driver {
	return &Driver{
		db:          db,
		dialect:     dialect,
		recordTable: recordTable,
	}
}

func (drv *Driver) DB() *sql.DB {
	return drv.db
}

func (drv *Driver) Lock(ctx context.Context) (func() error, error) {
	return drv.dialect.Lock(ctx, drv.db)
}

func (drv *Driver) ListApplied(ctx context.Context) ([]migration.Record, error) {
	if err := drv.ensureRecordTable(ctx, drv.db); err != nil {
		return nil, fmt.Errorf("failed to list applied versions: %w", err)
	}

	rows, err := drv.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT version, name, applied_at FROM %s ORDER BY version",
		drv.recordTable,
	))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", driver.ErrInvalidLogTable, drv.classify(err))
	}
	defer rows.Close()

	return fetchRecords(rows)
}

func fetchRecords(rows *sql.Rows) ([]migration.Record, error) {
	result := make([]migration.Record, 0)
	for rows.Next() {
		var (
			version   string
			record    migration.Record
			appliedAt any
		)

		if err := rows.Scan(&version, &record.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to query applied migrations table: %w", err)
		}

		v, err := migration.ParseVersion(version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", driver.ErrInvalidLogTable, err)
		}
		record.Version = v

		if record.AppliedAt, err = parseTimestamp(appliedAt); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", driver.ErrInvalidLogTable, version, err)
		}

		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations table: %w", err)
	}

	return result, nil
}

func (drv *Driver) RowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		err := drv.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+drv.dialect.Quote(table)).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to count rows of %s: %w", table, drv.classify(err))
		}
		counts[table] = n
	}
	return counts, nil
}

func (drv *Driver) Plan(change driver.Change) ([]string, error) {
	var plan []string
	current := change.Before.Clone()

	for i, op := range change.Operations {
		prior := current.Clone()
		if err := op.Apply(current); err != nil {
			return nil, operationError(change, i, op, err)
		}

		stmts, err := drv.dialect.Render(op, prior, current)
		if err != nil {
			return nil, operationError(change, i, op, err)
		}
		plan = append(plan, stmts...)
	}

	return plan, nil
}

func (drv *Driver) Apply(ctx context.Context, change driver.Change) (err error) {
	tx, err := drv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", drv.classify(err))
	}

	// states[i] is the schema operation i was applied to
	states := []*schema.Schema{change.Before.Clone()}
	executed := 0
	committed := false

	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()

		if err != nil && !drv.dialect.TransactionalDDL() && executed > 0 {
			if cerr := drv.compensate(change.Operations[:executed], states); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to revert migration %s: %w", change.Migration, cerr))
			}
		}
	}()

	// Without transactional DDL a data problem found halfway leaves the executed operations to be
	// compensated, and compensation cannot bring dropped data back.
	checked := make([]bool, len(change.Operations))
	if !drv.dialect.TransactionalDDL() {
		if checked, err = drv.prechecks(ctx, tx, change); err != nil {
			return err
		}
	}

	for i, op := range change.Operations {
		prior := states[len(states)-1]
		next := prior.Clone()
		if err := op.Apply(next); err != nil {
			return operationError(change, i, op, err)
		}

		if !checked[i] {
			if err := drv.precheck(ctx, tx, op); err != nil {
				return operationError(change, i, op, err)
			}
		}

		stmts, err := drv.dialect.Render(op, prior, next)
		if err != nil {
			return operationError(change, i, op, err)
		}

		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return operationError(change, i, op, drv.classify(err))
			}
		}

		states = append(states, next)
		executed++
	}

	if !change.Untracked {
		if err := drv.writeRecord(ctx, tx, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", change.Migration, drv.classify(err))
	}
	committed = true

	return nil
}

// compensate undoes already executed operations of a failed change on databases where DDL cannot
// be rolled back.
func (drv *Driver) compensate(executed []schema.Operation, states []*schema.Schema) error {
	ctx := context.Background()

	for i := len(executed) - 1; i >= 0; i-- {
		inverse, err := executed[i].Inverse(states[i])
		if err != nil {
			return err
		}

		stmts, err := drv.dialect.Render(inverse, states[i+1], states[i])
		if err != nil {
			return err
		}

		for _, stmt := range stmts {
			if _, err := drv.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", inverse, drv.classify(err))
			}
		}
	}

	return nil
}

func (drv *Driver) writeRecord(ctx context.Context, tx *sql.Tx, change driver.Change) error {
	if err := drv.ensureRecordTable(ctx, tx); err != nil {
		return err
	}

	var err error
	switch change.Direction {
	case migration.Up:
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(
				"INSERT INTO %s (version, name, applied_at) VALUES (%s, %s, %s)",
				drv.recordTable, drv.dialect.Placeholder(1), drv.dialect.Placeholder(2), drv.dialect.Placeholder(3),
			),
			string(change.Migration.Version), change.Migration.Name, drv.dialect.Timestamp(time.Now().UTC()),
		)
	case migration.Down:
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE version = %s", drv.recordTable, drv.dialect.Placeholder(1)),
			string(change.Migration.Version),
		)
	default:
		return fmt.Errorf("unknown direction %q", change.Direction)
	}

	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", change.Migration, drv.classify(err))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (drv *Driver) ensureRecordTable(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, drv.dialect.RecordTableDDL(drv.recordTable)); err != nil {
		return fmt.Errorf("failed to create applied migrations table %s: %w", drv.recordTable, drv.classify(err))
	}
	return nil
}

func (drv *Driver) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return drv.dialect.Classify(err)
}

func operationError(change driver.Change, i int, op schema.Operation, err error) error {
	return &migration.OperationError{
		Migration: change.Migration,
		Direction: change.Direction,
		Index:     i,
		Operation: op,
		Err:       err,
	}
}
