package migration

import (
	"errors"
	"fmt"

	"github.com/root-talis/migrator/schema"
)

var (
	ErrIrreversible  = errors.New("migration cannot be undone")
	ErrNotReversible = errors.New("down does not restore the schema")
)

// Deviation documents a part of the schema that the authored down deliberately does not restore.
type Deviation struct {
	Table  string `yaml:"table"`
	Object string `yaml:"object"`
	Reason string `yaml:"reason"`
}

func (d Deviation) covers(diff schema.Difference) bool {
	return d.Table == diff.Table && d.Object == diff.Object
}

// Step is one versioned, reversible unit of schema change. A nil Down is derived from Up.
type Step struct {
	Migration
	Up           []schema.Operation
	Down         []schema.Operation
	Irreversible bool
	Deviations   []Deviation
}

func (st *Step) Description() Description {
	return Description{
		Migration: st.Migration,
		CanUndo:   !st.Irreversible,
	}
}

// OperationError identifies the operation that failed inside a step.
type OperationError struct {
	Migration Migration
	Direction Direction
	Index     int
	Operation schema.Operation
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf(
		"migration %s (%s): operation #%d (%s): %s",
		e.Migration, e.Direction, e.Index+1, e.Operation, e.Err,
	)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ---

// ApplyUp returns the schema after the step. The input schema is never modified.
func (st *Step) ApplyUp(s *schema.Schema) (*schema.Schema, error) {
	if current := Version(s.Version()); current >= st.Version {
		return nil, fmt.Errorf(
			"%w: schema is at version %s, migration %s is already applied",
			schema.ErrConflict, current, st.Migration,
		)
	}

	next := s.Clone()
	if err := st.run(next, Up, st.Up); err != nil {
		return nil, err
	}
	next.History = append(next.History, string(st.Version))

	return next, nil
}

// ApplyDown undoes the step on after, which must be at the step's version. before is the schema the
// step was applied to; it is only needed when Down has to be derived.
func (st *Step) ApplyDown(after, before *schema.Schema) (*schema.Schema, error) {
	if current := Version(after.Version()); current != st.Version {
		return nil, fmt.Errorf(
			"%w: schema is at version \"%s\", only its latest migration can be rolled back, not %s",
			schema.ErrConflict, current, st.Migration,
		)
	}

	down, err := st.DownOperations(before)
	if err != nil {
		return nil, err
	}

	prev := after.Clone()
	if err := st.run(prev, Down, down); err != nil {
		return nil, err
	}
	prev.History = prev.History[:len(prev.History)-1]

	return prev, nil
}

func (st *Step) run(s *schema.Schema, dir Direction, ops []schema.Operation) error {
	for i, op := range ops {
		if err := op.Apply(s); err != nil {
			return &OperationError{Migration: st.Migration, Direction: dir, Index: i, Operation: op, Err: err}
		}
	}
	return nil
}

// DownOperations returns the authored down, or derives it from up when none was authored.
func (st *Step) DownOperations(before *schema.Schema) ([]schema.Operation, error) {
	switch {
	case st.Irreversible:
		return nil, fmt.Errorf("%w: %s", ErrIrreversible, st.Migration)
	case st.Down != nil:
		return st.Down, nil
	case before == nil:
		return nil, fmt.Errorf("cannot derive down for %s without the schema it was applied to", st.Migration)
	}
	return st.DeriveDown(before)
}

// DeriveDown builds the inverse of Up: each operation's inverse, computed against the schema it was
// applied to, in reverse order.
func (st *Step) DeriveDown(before *schema.Schema) ([]schema.Operation, error) {
	current := before.Clone()
	down := make([]schema.Operation, len(st.Up))

	for i, op := range st.Up {
		inverse, err := op.Inverse(current)
		if err != nil {
			return nil, &OperationError{Migration: st.Migration, Direction: Up, Index: i, Operation: op, Err: err}
		}
		if err := op.Apply(current); err != nil {
			return nil, &OperationError{Migration: st.Migration, Direction: Up, Index: i, Operation: op, Err: err}
		}
		down[len(st.Up)-1-i] = inverse
	}

	return down, nil
}

// CheckReversible applies up then down to before and returns the structural differences that are not
// declared as deviations.
func (st *Step) CheckReversible(before *schema.Schema) ([]schema.Difference, error) {
	if st.Irreversible {
		return nil, nil
	}

	after, err := st.ApplyUp(before)
	if err != nil {
		return nil, err
	}

	restored, err := st.ApplyDown(after, before)
	if err != nil {
		return nil, err
	}

	var undeclared []schema.Difference
	for _, diff := range schema.Compare(before, restored) {
		if !st.declares(diff) {
			undeclared = append(undeclared, diff)
		}
	}

	return undeclared, nil
}

func (st *Step) declares(diff schema.Difference) bool {
	for _, d := range st.Deviations {
		if d.covers(diff) {
			return true
		}
	}
	return false
}
