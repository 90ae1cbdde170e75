// Package metrics counts migration steps for Prometheus. A migration run is a short-lived process,
// so the collected values are written to a node-exporter textfile rather than served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/root-talis/migrator/migration"
)

const namespace = "migrator"

// Recorder receives the outcome of every step the runner executes.
type Recorder interface {
	StepFinished(mig migration.Migration, direction migration.Direction, duration time.Duration, err error)
	PendingSteps(n int)
}

type nop struct{}

func (nop) StepFinished(migration.Migration, migration.Direction, time.Duration, error) {}
func (nop) PendingSteps(int)                                                            {}

// Nop discards everything.
func Nop() Recorder {
	return nop{}
}

// Collector keeps the metrics in its own registry.
type Collector struct {
	registry *prometheus.Registry

	Steps        *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Pending      prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Number of migration steps executed",
		}, []string{"direction", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of migration steps in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_steps",
			Help:      "Number of migration steps not applied yet",
		}),
	}

	reg.MustRegister(c.Steps, c.StepDuration, c.Pending)

	return c
}

func (c *Collector) StepFinished(_ migration.Migration, direction migration.Direction, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}

	c.Steps.WithLabelValues(direction.String(), result).Inc()
	c.StepDuration.WithLabelValues(direction.String()).Observe(duration.Seconds())
}

func (c *Collector) PendingSteps(n int) {
	c.Pending.Set(float64(n))
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes the current values in the text exposition format, atomically replacing path.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
