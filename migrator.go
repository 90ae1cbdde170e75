package migrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/logging"
	"github.com/root-talis/migrator/metrics"
	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
	"github.com/root-talis/migrator/source"
)

// ---

type Migrator interface {
	Status(ctx context.Context) (*StatusResult, error)
	Validate(ctx context.Context) (*StatusResult, error)
	Plan(ctx context.Context, to migration.Version) ([]PlannedStep, error)
	Upgrade(ctx context.Context, to migration.Version) error
	Downgrade(ctx context.Context, steps int) error
	Bootstrap(ctx context.Context) error
}

type StatusResult struct {
	Migrations   []migration.State
	AppliedCount uint
	PendingCount uint
	MissingCount uint
}

type PlannedStep struct {
	Migration  migration.Migration
	Statements []string
}

var (
	ErrNothingToRollback = errors.New("no applied migration to roll back")
	ErrUnknownVersion    = errors.New("unknown migration version")
	ErrMissingMigration  = errors.New("applied migration is missing from the source")
)

// StepError reports the step that stopped a run. Steps before it stay applied.
type StepError struct {
	Migration migration.Migration
	Direction migration.Direction
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration %s failed (%s): %s", e.Migration, e.Direction, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ---

type Option func(*migrator)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *migrator) {
		m.log = log
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(m *migrator) {
		m.metrics = recorder
	}
}

// WithStepTimeout bounds every step; a step running longer is rolled back.
func WithStepTimeout(timeout time.Duration) Option {
	return func(m *migrator) {
		m.stepTimeout = timeout
	}
}

// WithLockRetry sets how often a busy migration lock is retried, with exponential backoff starting
// at interval. Zero retries fail immediately.
func WithLockRetry(interval time.Duration, retries uint64) Option {
	return func(m *migrator) {
		m.lockInterval = interval
		m.lockRetries = retries
	}
}

// WithoutValidation skips the dry run of pending steps before they are applied.
func WithoutValidation() Option {
	return func(m *migrator) {
		m.validate = false
	}
}

// ---

type migrator struct {
	source   source.Source
	driver   driver.Driver
	baseline *schema.Schema

	log          logrus.FieldLogger
	metrics      metrics.Recorder
	stepTimeout  time.Duration
	lockInterval time.Duration
	lockRetries  uint64
	validate     bool
}

// ---

// New returns a runner applying the steps of src on top of baseline, the schema the database had
// before its first step.
func New(src source.Source, drv driver.Driver, baseline *schema.Schema, opts ...Option) Migrator {
	m := &migrator{
		source:       src,
		driver:       drv,
		baseline:     baseline,
		log:          logging.Discard(),
		metrics:      metrics.Nop(),
		lockInterval: 200 * time.Millisecond,
		lockRetries:  5,
		validate:     true,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ---

func (m *migrator) Status(ctx context.Context) (*StatusResult, error) {
	availableMigrations, err := m.source.GetAvailableMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	appliedMigrations, err := m.loadAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	result := StatusResult{
		Migrations: make([]migration.State, 0, len(availableMigrations)),
	}
	for _, availableMigration := range availableMigrations {
		entry, ok := appliedMigrations[availableMigration.Version]

		status := migration.Pending
		if ok {
			status = migration.Applied
			result.AppliedCount++
		} else {
			result.PendingCount++
		}

		result.Migrations = append(result.Migrations, migration.State{
			Description: availableMigration,
			Status:      status,
			AppliedAt:   entry.AppliedAt,
		})
	}

	for _, applied := range appliedMigrations {
		if containsVersion(availableMigrations, applied.Version) {
			continue
		}

		result.Migrations = append(result.Migrations, migration.State{
			Description: migration.Description{Migration: applied.Migration, CanUndo: false},
			Status:      migration.Missing,
			AppliedAt:   applied.AppliedAt,
		})
		result.MissingCount++
	}

	sort.Slice(result.Migrations, func(i, j int) bool {
		return result.Migrations[i].Version < result.Migrations[j].Version
	})

	return &result, nil
}

func (m *migrator) Validate(ctx context.Context) (*StatusResult, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	run, err := m.load(ctx, false)
	if err != nil {
		return status, err
	}

	pending, err := run.pending("")
	if err != nil {
		return status, err
	}

	if _, err := migration.Validate(run.current, pending); err != nil {
		return status, fmt.Errorf("pending migrations are invalid: %w", err)
	}

	return status, nil
}

func (m *migrator) Plan(ctx context.Context, to migration.Version) ([]PlannedStep, error) {
	run, err := m.load(ctx, false)
	if err != nil {
		return nil, err
	}

	pending, err := run.pending(to)
	if err != nil {
		return nil, err
	}

	result := make([]PlannedStep, 0, len(pending))
	current := run.current
	for _, st := range pending {
		after, err := st.ApplyUp(current)
		if err != nil {
			return nil, &StepError{Migration: st.Migration, Direction: migration.Up, Err: err}
		}

		statements, err := m.driver.Plan(driver.Change{
			Migration:  st.Migration,
			Direction:  migration.Up,
			Operations: st.Up,
			Before:     current,
		})
		if err != nil {
			return nil, &StepError{Migration: st.Migration, Direction: migration.Up, Err: err}
		}

		result = append(result, PlannedStep{Migration: st.Migration, Statements: statements})
		current = after
	}

	return result, nil
}

func (m *migrator) Upgrade(ctx context.Context, to migration.Version) error {
	return m.locked(ctx, func(ctx context.Context) error {
		run, err := m.load(ctx, true)
		if err != nil {
			return err
		}

		pending, err := run.pending(to)
		if err != nil {
			return err
		}

		m.metrics.PendingSteps(len(pending))
		if len(pending) == 0 {
			m.log.Info("no pending migrations")
			return nil
		}

		if m.validate {
			if _, err := migration.Validate(run.current, pending); err != nil {
				return fmt.Errorf("pending migrations are invalid: %w", err)
			}
		}

		current := run.current
		for i, st := range pending {
			after, err := st.ApplyUp(current)
			if err != nil {
				return &StepError{Migration: st.Migration, Direction: migration.Up, Err: err}
			}

			if err := m.runStep(ctx, st, migration.Up, st.Up, current); err != nil {
				return err
			}

			m.metrics.PendingSteps(len(pending) - i - 1)
			current = after
		}

		return nil
	})
}

func (m *migrator) Downgrade(ctx context.Context, steps int) error {
	if steps < 1 {
		return fmt.Errorf("number of steps to roll back must be positive, %d given", steps)
	}

	return m.locked(ctx, func(ctx context.Context) error {
		run, err := m.load(ctx, false)
		if err != nil {
			return err
		}

		// the baseline tables may not exist yet, so rows are counted only when there is work
		if len(run.applied) == 0 {
			return ErrNothingToRollback
		}
		if err := m.refreshRows(ctx, run); err != nil {
			return err
		}

		current := run.current
		for i := len(run.applied) - 1; i >= 0 && i >= len(run.applied)-steps; i-- {
			st, before := run.applied[i], run.states[i]

			down, err := st.DownOperations(before)
			if err != nil {
				return &StepError{Migration: st.Migration, Direction: migration.Down, Err: err}
			}

			prev, err := st.ApplyDown(current, before)
			if err != nil {
				return &StepError{Migration: st.Migration, Direction: migration.Down, Err: err}
			}

			if err := m.runStep(ctx, st, migration.Down, down, current); err != nil {
				return err
			}

			current = prev
		}

		return nil
	})
}

// Bootstrap creates the baseline tables on an empty database. It records nothing, so the first
// step is pending afterwards.
func (m *migrator) Bootstrap(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context) error {
		applied, err := m.driver.ListApplied(ctx)
		if err != nil {
			return fmt.Errorf("failed to get the list of applied migrations: %w", err)
		}
		if len(applied) > 0 {
			return fmt.Errorf("%w: database already has %d applied migrations", schema.ErrConflict, len(applied))
		}

		err = m.driver.Apply(ctx, driver.Change{
			Migration:  migration.Migration{Name: "baseline"},
			Direction:  migration.Up,
			Operations: creationOrder(m.baseline),
			Before:     schema.New(),
			Untracked:  true,
		})
		if err != nil {
			return fmt.Errorf("failed to create baseline tables: %w", err)
		}

		m.log.WithField("tables", len(m.baseline.Tables())).Info("baseline created")
		return nil
	})
}

// ---

func (m *migrator) runStep(
	ctx context.Context,
	st *migration.Step,
	direction migration.Direction,
	ops []schema.Operation,
	before *schema.Schema,
) error {
	if m.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.stepTimeout)
		defer cancel()
	}

	log := m.log.WithFields(logrus.Fields{
		"version":   st.Version,
		"name":      st.Name,
		"direction": direction.String(),
	})
	log.Info("applying migration")

	start := time.Now()
	err := m.driver.Apply(ctx, driver.Change{
		Migration:  st.Migration,
		Direction:  direction,
		Operations: ops,
		Before:     before,
	})
	duration := time.Since(start)

	m.metrics.StepFinished(st.Migration, direction, duration, err)

	if err != nil {
		log.WithError(err).WithField("duration", duration).Error("migration failed")
		return &StepError{Migration: st.Migration, Direction: direction, Err: err}
	}

	log.WithField("duration", duration).Info("migration applied")
	return nil
}

// locked runs fn while holding the migration lock. A busy lock is retried; other failures are not.
func (m *migrator) locked(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	var release func() error

	acquire := func() error {
		r, err := m.driver.Lock(ctx)
		if errors.Is(err, driver.ErrConcurrency) {
			m.log.WithError(err).Warn("migration lock is busy")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		release = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.lockInterval
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(acquire, backoff.WithContext(backoff.WithMaxRetries(policy, m.lockRetries), ctx)); err != nil {
		return err
	}

	defer func() {
		if rerr := release(); rerr != nil {
			m.log.WithError(rerr).Error("failed to release migration lock")
			if err == nil {
				err = rerr
			}
		}
	}()

	return fn(ctx)
}

func (m *migrator) loadAppliedMigrations(ctx context.Context) (map[migration.Version]migration.Record, error) {
	records, err := m.driver.ListApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations from db: %w", err)
	}

	result := make(map[migration.Version]migration.Record, len(records))
	for _, record := range records {
		result[record.Version] = record
	}

	return result, nil
}

func containsVersion(list []migration.Description, version migration.Version) bool {
	for _, d := range list {
		if d.Version == version {
			return true
		}
	}
	return false
}
