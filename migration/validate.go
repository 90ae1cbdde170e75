package migration

import (
	"errors"
	"fmt"

	"github.com/root-talis/migrator/schema"
)

// Validate simulates steps, in order, on a shadow copy of base without touching any database. A failing
// operation is skipped and the simulation goes on, so every structural problem of the set is reported
// at once. The returned schema is the shadow after all steps; the error joins every problem found.
func Validate(base *schema.Schema, steps []*Step) (*schema.Schema, error) {
	shadow := base.Clone()

	var errs []error
	for _, st := range steps {
		if current := Version(shadow.Version()); current >= st.Version {
			errs = append(errs, fmt.Errorf(
				"%w: migration %s is not newer than schema version %s",
				schema.ErrConflict, st.Migration, current,
			))
			continue
		}

		before := shadow.Clone()
		failed := false
		for i, op := range st.Up {
			if err := op.Apply(shadow); err != nil {
				errs = append(errs, &OperationError{Migration: st.Migration, Direction: Up, Index: i, Operation: op, Err: err})
				failed = true
			}
		}
		shadow.History = append(shadow.History, string(st.Version))

		if failed {
			continue
		}

		diffs, err := st.CheckReversible(before)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, diff := range diffs {
			errs = append(errs, fmt.Errorf("%w: migration %s: %s", ErrNotReversible, st.Migration, diff))
		}
	}

	return shadow, errors.Join(errs...)
}
