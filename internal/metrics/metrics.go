// Package metrics records check results as Prometheus series and writes
// them in the node_exporter textfile-collector format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FailureKinds are the values of the kind label on smtp_check_failure.
var FailureKinds = []string{"connection", "tls", "authentication", "send"}

// Report is the outcome of one run.
type Report struct {
	// Run labels the series, e.g. "check" or "with_auth".
	Run string

	Success bool

	// FailureKind is one of FailureKinds, or empty on success.
	FailureKind string

	// Steps maps a step name to its duration.
	Steps map[string]time.Duration

	Finished time.Time
}

// Recorder holds the check metrics in a private registry.
type Recorder struct {
	registry *prometheus.Registry

	success      *prometheus.GaugeVec
	stepDuration *prometheus.GaugeVec
	failure      *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		success: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtp_check_success",
			Help: "Whether the last SMTP check delivered its test message (1) or not (0)",
		}, []string{"run"}),
		stepDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtp_check_step_duration_seconds",
			Help: "Duration of each step of the last SMTP check",
		}, []string{"run", "step"}),
		failure: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtp_check_failure",
			Help: "Set to 1 for the kind of failure of the last SMTP check",
		}, []string{"run", "kind"}),
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smtp_check_last_run_timestamp_seconds",
			Help: "Unix time the last SMTP check finished",
		}, []string{"run"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records rep.
func (r *Recorder) Observe(rep Report) {
	run := rep.Run
	if run == "" {
		run = "check"
	}

	if rep.Success {
		r.success.WithLabelValues(run).Set(1)
	} else {
		r.success.WithLabelValues(run).Set(0)
	}

	for step, d := range rep.Steps {
		r.stepDuration.WithLabelValues(run, step).Set(d.Seconds())
	}

	for _, kind := range FailureKinds {
		v := 0.0
		if kind == rep.FailureKind {
			v = 1
		}
		r.failure.WithLabelValues(run, kind).Set(v)
	}

	finished := rep.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	r.lastRun.WithLabelValues(run).Set(float64(finished.UnixNano()) / 1e9)
}

// WriteTextfile atomically writes all series to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
