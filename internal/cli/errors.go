package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/root-talis/migrator"
	"github.com/root-talis/migrator/config"
	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
	"github.com/root-talis/migrator/source"
)

const (
	ExitOK = iota
	ExitFailure
	ExitUsage
	ExitNotFound
	ExitConflict
	ExitConstraint
	ExitDataIntegrity
	ExitConcurrency
	ExitTransport
	ExitNothingToRollback
)

type usageError struct {
	err error
}

func (e usageError) Error() string {
	return e.err.Error()
}

func (e usageError) Unwrap() error {
	return e.err
}

// kinds are checked in order: the first match decides the exit code.
var kinds = []struct {
	name   string
	code   int
	target []error
}{
	{"nothing_to_rollback", ExitNothingToRollback, []error{migrator.ErrNothingToRollback}},
	{"concurrency", ExitConcurrency, []error{driver.ErrConcurrency}},
	{"data_integrity", ExitDataIntegrity, []error{schema.ErrDataIntegrity}},
	{"constraint", ExitConstraint, []error{schema.ErrConstraint, migration.ErrIrreversible, migration.ErrNotReversible}},
	{"conflict", ExitConflict, []error{schema.ErrConflict}},
	{"not_found", ExitNotFound, []error{
		schema.ErrNotFound,
		migrator.ErrUnknownVersion,
		migrator.ErrMissingMigration,
		source.ErrMigrationNotFound,
	}},
	{"transport", ExitTransport, []error{driver.ErrTransport, driver.ErrInvalidLogTable, context.DeadlineExceeded}},
	{"usage", ExitUsage, []error{config.ErrInvalidConfig}},
}

func classify(err error) (string, int) {
	if err == nil {
		return "", ExitOK
	}

	for _, kind := range kinds {
		for _, target := range kind.target {
			if errors.Is(err, target) {
				return kind.name, kind.code
			}
		}
	}

	var usage usageError
	if errors.As(err, &usage) {
		return "usage", ExitUsage
	}

	return "failure", ExitFailure
}

// ExitCode maps err to the exit code of the process.
func ExitCode(err error) int {
	_, code := classify(err)
	return code
}

type errorDocument struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	ExitCode  int    `json:"exit_code"`
	Migration string `json:"migration,omitempty"`
	Direction string `json:"direction,omitempty"`
}

func writeError(w io.Writer, err error) {
	kind, code := classify(err)
	doc := errorDocument{
		Error:    err.Error(),
		Kind:     kind,
		ExitCode: code,
	}

	var stepErr *migrator.StepError
	if errors.As(err, &stepErr) {
		doc.Migration = stepErr.Migration.String()
		doc.Direction = stepErr.Direction.String()
	}

	data, merr := json.Marshal(doc)
	if merr != nil {
		fmt.Fprintf(w, "error: %s\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}
