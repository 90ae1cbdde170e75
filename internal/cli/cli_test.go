package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator"
	"github.com/root-talis/migrator/config"
	"github.com/root-talis/migrator/driver"
	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--driver", "sqlite", "--dsn", filepath.Join(t.TempDir(), "identity.db"), "--log-level", "error"}
}

func decodeError(t *testing.T, stderr string) errorDocument {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	var doc errorDocument
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &doc), stderr)
	return doc
}

func TestLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	db := sqliteArgs(t)
	cmd := func(args ...string) result {
		return run(t, append(append([]string{}, db...), args...)...)
	}

	r := cmd("bootstrap")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = cmd("status", "--json")
	require.Equal(t, ExitOK, r.code, r.stderr)

	var status statusView
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &status))
	assert.Equal(t, uint(0), status.Applied)
	assert.Equal(t, uint(1), status.Pending)
	require.Len(t, status.Migrations, 1)
	assert.Equal(t, "20251111014120", status.Migrations[0].Version)
	assert.Equal(t, "update_schema", status.Migrations[0].Name)
	assert.Nil(t, status.Migrations[0].AppliedAt)

	r = cmd("plan")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "-- 20251111014120_update_schema")
	assert.Contains(t, r.stdout, "tenant_users")

	r = cmd("validate")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "1 pending migrations are valid")

	r = cmd("up")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = cmd("up", "--to", "20251111014120")
	assert.Equal(t, ExitConflict, r.code)
	assert.Equal(t, "conflict", decodeError(t, r.stderr).Kind)

	r = cmd("status")
	require.Equal(t, ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "APPLIED")
	assert.Contains(t, r.stdout, "1 applied, 0 pending, 0 missing")

	r = cmd("down")
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = cmd("down")
	assert.Equal(t, ExitNothingToRollback, r.code)
	assert.Equal(t, "nothing_to_rollback", decodeError(t, r.stderr).Kind)

	r = cmd("unlock")
	assert.Equal(t, ExitOK, r.code, r.stderr)
}

func TestMetricsTextfile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	textfile := filepath.Join(t.TempDir(), "migrate.prom")
	db := sqliteArgs(t)

	r := run(t, append(db, "bootstrap")...)
	require.Equal(t, ExitOK, r.code, r.stderr)

	r = run(t, append(db, "--metrics-textfile", textfile, "up")...)
	require.Equal(t, ExitOK, r.code, r.stderr)

	contents, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `migrator_steps_total{direction="up",result="success"} 1`)
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		/* e0 */ {name: "no driver", args: []string{"status"}},
		/* e1 */ {name: "unknown driver", args: []string{"--driver", "oracle", "--dsn", "x", "status"}},
		/* e2 */ {name: "unknown flag", args: []string{"status", "--verbose"}},
		/* e3 */ {name: "extra argument", args: []string{"--driver", "sqlite", "--dsn", "x", "up", "now"}},
		/* e4 */ {name: "bad version", args: []string{"--driver", "sqlite", "--dsn", "x", "up", "--to", "2025"}},
		/* e5 */ {name: "bad step count", args: []string{"--driver", "sqlite", "--dsn", "x", "down", "--steps", "0"}},
		/* e6 */ {name: "missing config", args: []string{"--config", "/nonexistent/migrate.yaml", "status"}},
	}

	for _, test := range tests {
		r := run(t, test.args...)
		assert.Equal(t, ExitUsage, r.code, test.name)
		assert.Equal(t, "usage", decodeError(t, r.stderr).Kind, test.name)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	stepErr := &migrator.StepError{
		Migration: migration.Migration{Version: "20251111014120", Name: "update_schema"},
		Direction: migration.Up,
		Err:       fmt.Errorf("%w: AspNetRoles has duplicate normalized_name", schema.ErrDataIntegrity),
	}

	tests := []struct {
		err      error
		expected int
	}{
		/* s0 */ {err: nil, expected: ExitOK},
		/* s1 */ {err: errors.New("boom"), expected: ExitFailure},
		/* s2 */ {err: usageError{errors.New("bad flag")}, expected: ExitUsage},
		/* s3 */ {err: fmt.Errorf("%w: x", config.ErrInvalidConfig), expected: ExitUsage},
		/* s4 */ {err: fmt.Errorf("%w: tenants", schema.ErrNotFound), expected: ExitNotFound},
		/* s5 */ {err: fmt.Errorf("%w: 20990101000000", migrator.ErrUnknownVersion), expected: ExitNotFound},
		/* s6 */ {err: fmt.Errorf("%w: ix_tenants_name", schema.ErrConflict), expected: ExitConflict},
		/* s7 */ {err: fmt.Errorf("%w: documents", schema.ErrConstraint), expected: ExitConstraint},
		/* s8 */ {err: stepErr, expected: ExitDataIntegrity},
		/* s9 */ {err: errors.Wrap(driver.ErrConcurrency, "lock"), expected: ExitConcurrency},
		/* s10 */ {err: fmt.Errorf("%w: connection refused", driver.ErrTransport), expected: ExitTransport},
		/* s11 */ {err: &migrator.StepError{Err: context.DeadlineExceeded}, expected: ExitTransport},
		/* s12 */ {err: migrator.ErrNothingToRollback, expected: ExitNothingToRollback},
	}

	for i, test := range tests {
		assert.Equal(t, test.expected, ExitCode(test.err), "s%d", i)
	}
}

func TestWriteErrorNamesTheStep(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writeError(&out, &migrator.StepError{
		Migration: migration.Migration{Version: "20251111014120", Name: "update_schema"},
		Direction: migration.Down,
		Err:       fmt.Errorf("%w: fk_documents_users_created_by_id", schema.ErrNotFound),
	})

	doc := decodeError(t, out.String())
	assert.Equal(t, errorDocument{
		Error:     doc.Error,
		Kind:      "not_found",
		ExitCode:  ExitNotFound,
		Migration: "20251111014120_update_schema",
		Direction: "down",
	}, doc)
	assert.Contains(t, doc.Error, "fk_documents_users_created_by_id")
}
