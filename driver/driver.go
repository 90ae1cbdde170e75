package driver

import (
	"context"
	"errors"

	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
)

// Change is one unit of work for Apply: the operations of one step in one direction, and the schema
// they apply to. Untracked changes leave the applied-migrations table alone.
type Change struct {
	Migration  migration.Migration
	Direction  migration.Direction
	Operations []schema.Operation
	Before     *schema.Schema
	Untracked  bool
}

type Driver interface {
	// Lock takes the migration lock without waiting. It fails with ErrConcurrency when another run
	// holds it. The returned function releases it.
	Lock(ctx context.Context) (release func() error, err error)

	ListApplied(ctx context.Context) ([]migration.Record, error)
	RowCounts(ctx context.Context, tables []string) (map[string]int64, error)

	// Apply runs the change in one transaction together with its applied-migrations row: inserted
	// for Up, deleted for Down. On failure nothing is recorded.
	Apply(ctx context.Context, change Change) error

	// Plan returns the statements Apply would execute, without touching the database.
	Plan(change Change) ([]string, error)
}

// Unlocker is implemented by drivers whose lock can outlive a crashed process.
type Unlocker interface {
	ForceUnlock(ctx context.Context) error
}

var (
	ErrInvalidLogTable = errors.New("an error has occurred when reading log table")
	ErrConcurrency     = errors.New("migration lock is held by another run")
	ErrTransport       = errors.New("database failure")
)
