package metrics_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator/metrics"
	"github.com/root-talis/migrator/migration"
)

var step = migration.Migration{Version: "20251111014120", Name: "update_schema"}

func TestCollector(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector()

	c.StepFinished(step, migration.Up, time.Second, nil)
	c.StepFinished(step, migration.Up, time.Second, errors.New("boom"))
	c.StepFinished(step, migration.Down, time.Second, nil)
	c.PendingSteps(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steps.WithLabelValues("up", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steps.WithLabelValues("up", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steps.WithLabelValues("down", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.Pending))
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector()
	c.StepFinished(step, migration.Up, 2*time.Second, nil)
	c.PendingSteps(0)

	path := filepath.Join(t.TempDir(), "migrator.prom")
	require.NoError(t, c.WriteTextfile(path))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	text := string(contents)
	assert.True(t, strings.Contains(text, `migrator_steps_total{direction="up",result="success"} 1`), text)
	assert.True(t, strings.Contains(text, "migrator_pending_steps 0"), text)
	assert.True(t, strings.Contains(text, "migrator_step_duration_seconds_count{direction=\"up\"} 1"), text)
}

func TestNop(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		metrics.Nop().StepFinished(step, migration.Up, 0, nil)
		metrics.Nop().PendingSteps(1)
	})
}
