// Package telemetry provides the prometheus metrics shared across the
// pipeline, scheduler, and tracker (promauto-style counters and
// histograms), plus OpenTelemetry tracing helpers over otel/sdk/trace that
// those components do not call.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Metrics bundles the counters/gauges every FLGC component reports into.
type Metrics struct {
	SnapshotsWritten   *prometheus.CounterVec
	SnapshotsSkipped   *prometheus.CounterVec
	OutcomesResolved   *prometheus.CounterVec
	TrackerErrors      prometheus.Counter
	GovernanceChanges  *prometheus.CounterVec
	AlertsSent         *prometheus.CounterVec
	AlertsBlocked      *prometheus.CounterVec
	JobRunDuration     *prometheus.HistogramVec
	JobRunsTotal       *prometheus.CounterVec
	SchedulerLeaseMiss prometheus.Counter
}

// NewMetrics registers the FLGC metric family on reg (pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SnapshotsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_snapshots_written_total",
			Help: "Snapshots newly inserted by the Snapshot Writer.",
		}, []string{"symbol", "horizon", "preset", "role"}),
		SnapshotsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_snapshots_skipped_total",
			Help: "Snapshot writes that found an existing fingerprint.",
		}, []string{"symbol", "horizon", "preset", "role"}),
		OutcomesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_outcomes_resolved_total",
			Help: "Outcomes resolved by the Outcome Tracker, by result.",
		}, []string{"symbol", "result"}),
		TrackerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flgc_tracker_errors_total",
			Help: "Non-fatal errors encountered while resolving a batch.",
		}),
		GovernanceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_governance_transitions_total",
			Help: "Governance mode transitions, by target mode.",
		}, []string{"symbol", "mode"}),
		AlertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_alerts_sent_total",
			Help: "Alerts that passed the policy gate.",
		}, []string{"type", "severity"}),
		AlertsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_alerts_blocked_total",
			Help: "Alerts suppressed by the policy gate, by reason.",
		}, []string{"type", "blocked_by"}),
		JobRunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "flgc_jobrun_duration_seconds",
			Help: "Daily pipeline step durations.",
		}, []string{"step"}),
		JobRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flgc_jobruns_total",
			Help: "Completed job runs, by job and final status.",
		}, []string{"job_id", "status"}),
		SchedulerLeaseMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "flgc_scheduler_lease_miss_total",
			Help: "Job triggers (cron or manual) that found the lease already held.",
		}),
	}
}

// tracerName is the module-wide tracer name, mirroring how 99souls-ariadne
// names its crawl-pipeline tracer.
const tracerName = "github.com/quantdesk/flgc"

// NewTracerProvider returns a minimal, no-exporter TracerProvider suitable
// for local spans that a caller may later wire to a real exporter. Nothing
// in this module installs it.
func NewTracerProvider() *trace.TracerProvider {
	return trace.NewTracerProvider()
}

// Tracer returns the shared tracer from the global provider set via
// otel.SetTracerProvider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a thin convenience wrapper that starts a span on the
// shared tracer. The pipeline, scheduler and tracker do not call it.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, name)
}
