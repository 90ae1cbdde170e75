package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/schema"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// precheck looks at the data an operation is about to constrain, so that violations are reported
// as ErrDataIntegrity naming the constraint instead of as a bare database error.
func (drv *Driver) precheck(ctx context.Context, q querier, op schema.Operation) error {
	switch o := op.(type) {
	case schema.AddIndex:
		if o.Unique {
			return drv.checkDuplicates(ctx, q, o.Table, o.Index)
		}
	case schema.AddForeignKey:
		return drv.checkOrphans(ctx, q, o.Table, o.ForeignKey)
	case schema.AddColumn:
		if !o.Column.Nullable && o.Column.Default == nil {
			return drv.checkEmpty(ctx, q, o.Table, o.Column)
		}
	}
	return nil
}

// prechecks runs the data checks of every operation whose tables and columns hold the same data
// before the change as when the operation runs. The returned slice marks the operations checked.
func (drv *Driver) prechecks(ctx context.Context, q querier, change driver.Change) ([]bool, error) {
	checked := make([]bool, len(change.Operations))
	replaced := make(map[string]bool) // tables and table.column pairs dropped or created earlier

	for i, op := range change.Operations {
		if unchangedSince(change.Before, replaced, op) {
			if err := drv.precheck(ctx, q, op); err != nil {
				return nil, operationError(change, i, op, err)
			}
			checked[i] = true
		}

		switch o := op.(type) {
		case schema.CreateTable:
			replaced[o.Definition.Name] = true
		case schema.DropTable:
			replaced[o.Name] = true
		case schema.AddColumn:
			replaced[o.Table+"."+o.Column.Name] = true
		case schema.DropColumn:
			replaced[o.Table+"."+o.Name] = true
		}
	}

	return checked, nil
}

func unchangedSince(before *schema.Schema, replaced map[string]bool, op schema.Operation) bool {
	unchanged := func(table string, columns []string) bool {
		t, ok := before.Table(table)
		if !ok || replaced[table] {
			return false
		}
		for _, col := range columns {
			if _, ok := t.Column(col); !ok || replaced[table+"."+col] {
				return false
			}
		}
		return true
	}

	switch o := op.(type) {
	case schema.AddIndex:
		return o.Unique && unchanged(o.Table, o.Columns)
	case schema.AddForeignKey:
		return unchanged(o.Table, o.Columns) && unchanged(o.RefTable, o.RefColumns)
	case schema.AddColumn:
		return !o.Column.Nullable && o.Column.Default == nil && unchanged(o.Table, nil)
	}
	return false
}

func (drv *Driver) checkDuplicates(ctx context.Context, q querier, table string, idx schema.Index) error {
	columns := make([]string, len(idx.Columns))
	notNull := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		columns[i] = drv.dialect.Quote(col)
		notNull[i] = columns[i] + " IS NOT NULL"
	}

	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE %s GROUP BY %s HAVING COUNT(*) > 1 LIMIT 1",
		drv.dialect.Quote(table), strings.Join(notNull, " AND "), strings.Join(columns, ", "),
	)

	found, err := drv.exists(ctx, q, query)
	if err != nil {
		return fmt.Errorf("failed to look for duplicates in %s: %w", table, err)
	}
	if found {
		return fmt.Errorf(
			"%w: %s has duplicate values in (%s), unique index %s cannot be created",
			schema.ErrDataIntegrity, table, strings.Join(idx.Columns, ", "), idx.Name,
		)
	}
	return nil
}

func (drv *Driver) checkOrphans(ctx context.Context, q querier, table string, fk schema.ForeignKey) error {
	notNull := make([]string, len(fk.Columns))
	match := make([]string, len(fk.Columns))
	for i, col := range fk.Columns {
		notNull[i] = "c." + drv.dialect.Quote(col) + " IS NOT NULL"
		match[i] = "p." + drv.dialect.Quote(fk.RefColumns[i]) + " = c." + drv.dialect.Quote(col)
	}

	query := fmt.Sprintf(
		"SELECT 1 FROM %s c WHERE %s AND NOT EXISTS (SELECT 1 FROM %s p WHERE %s) LIMIT 1",
		drv.dialect.Quote(table), strings.Join(notNull, " AND "),
		drv.dialect.Quote(fk.RefTable), strings.Join(match, " AND "),
	)

	found, err := drv.exists(ctx, q, query)
	if err != nil {
		return fmt.Errorf("failed to look for orphaned rows in %s: %w", table, err)
	}
	if found {
		return fmt.Errorf(
			"%w: %s has rows without a matching %s, foreign key %s cannot be created",
			schema.ErrDataIntegrity, table, fk.RefTable, fk.Name,
		)
	}
	return nil
}

func (drv *Driver) checkEmpty(ctx context.Context, q querier, table string, col schema.Column) error {
	found, err := drv.exists(ctx, q, "SELECT 1 FROM "+drv.dialect.Quote(table)+" LIMIT 1")
	if err != nil {
		return fmt.Errorf("failed to look at rows of %s: %w", table, err)
	}
	if found {
		return fmt.Errorf(
			"%w: %s is not empty, non-nullable column %s needs a default",
			schema.ErrDataIntegrity, table, col.Name,
		)
	}
	return nil
}

func (drv *Driver) exists(ctx context.Context, q querier, query string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, drv.classify(err)
	}
	return true, nil
}
