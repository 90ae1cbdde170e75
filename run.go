package migrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
)

// runState is what a run knows before it changes anything: the applied steps replayed on the
// baseline, and the schema they lead to.
type runState struct {
	available []migration.Description
	applied   []*migration.Step
	states    []*schema.Schema // states[i] is the schema applied[i] was applied to
	current   *schema.Schema

	read func(migration.Migration) (*migration.Step, error)
}

func (m *migrator) load(ctx context.Context, refreshRows bool) (*runState, error) {
	available, err := m.source.GetAvailableMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of available migrations: %w", err)
	}

	appliedMigrations, err := m.loadAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get the list of applied migrations: %w", err)
	}

	versions := make([]migration.Version, 0, len(appliedMigrations))
	for version := range appliedMigrations {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	run := &runState{
		available: available,
		current:   m.baseline.Clone(),
		read:      m.source.ReadMigration,
	}

	for _, version := range versions {
		desc, ok := findVersion(available, version)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingMigration, appliedMigrations[version].Migration)
		}

		st, err := run.read(desc.Migration)
		if err != nil {
			return nil, fmt.Errorf("failed to read applied migration %s: %w", desc.Migration, err)
		}

		after, err := st.ApplyUp(run.current)
		if err != nil {
			return nil, fmt.Errorf("failed to replay applied migration %s: %w", desc.Migration, err)
		}

		run.applied = append(run.applied, st)
		run.states = append(run.states, run.current)
		run.current = after
	}

	if refreshRows {
		if err := m.refreshRows(ctx, run); err != nil {
			return nil, err
		}
	}

	return run, nil
}

func (m *migrator) refreshRows(ctx context.Context, run *runState) error {
	counts, err := m.driver.RowCounts(ctx, run.current.TableNames())
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	run.current.SetRows(counts)
	return nil
}

func (run *runState) isApplied(version migration.Version) bool {
	for _, st := range run.applied {
		if st.Version == version {
			return true
		}
	}
	return false
}

// pending returns the steps not applied yet, in version order, up to and including to. An empty to
// means all of them.
func (run *runState) pending(to migration.Version) ([]*migration.Step, error) {
	if to != "" {
		if _, ok := findVersion(run.available, to); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, to)
		}
		if run.isApplied(to) {
			return nil, fmt.Errorf("%w: migration %s is already applied", schema.ErrConflict, to)
		}
	}

	var result []*migration.Step
	for _, desc := range run.available {
		if to != "" && desc.Version > to {
			break
		}
		if run.isApplied(desc.Version) {
			continue
		}

		st, err := run.read(desc.Migration)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", desc.Migration, err)
		}
		result = append(result, st)
	}

	return result, nil
}

func findVersion(list []migration.Description, version migration.Version) (migration.Description, bool) {
	for _, d := range list {
		if d.Version == version {
			return d, true
		}
	}
	return migration.Description{}, false
}

// creationOrder lists operations creating every table of s on an empty database. Tables come after
// the tables they reference; foreign keys of reference cycles are added once all tables exist.
func creationOrder(s *schema.Schema) []schema.Operation {
	var (
		ops       []schema.Operation
		created   = make(map[string]bool)
		remaining = s.Tables()
	)

	for len(remaining) > 0 {
		var next []*schema.Table
		for _, t := range remaining {
			if referencesCreated(t, created) {
				ops = append(ops, schema.CreateTable{Definition: *t.Clone()})
				created[t.Name] = true
			} else {
				next = append(next, t)
			}
		}

		if len(next) == len(remaining) {
			var deferred []schema.Operation
			for _, t := range next {
				def := t.Clone()
				for _, fk := range def.ForeignKeys {
					deferred = append(deferred, schema.AddForeignKey{Table: def.Name, ForeignKey: fk})
				}
				def.ForeignKeys = nil
				ops = append(ops, schema.CreateTable{Definition: *def})
			}
			return append(ops, deferred...)
		}

		remaining = next
	}

	return ops
}

func referencesCreated(t *schema.Table, created map[string]bool) bool {
	for _, fk := range t.ForeignKeys {
		if fk.RefTable != t.Name && !created[fk.RefTable] {
			return false
		}
	}
	return true
}
