// Package metrics implements metrics & status aggregation (C9): a small
// event Sink every component reports into, plus an Aggregator that derives
// the admin surface's /status, /metrics and /operations payloads from the
// vault. A component whose Metrics field is nil reports into NoopSink. The
// Prometheus
// implementation registers a handful of package-level collectors once and
// exposes them over an HTTP handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives events from the GC cycle orchestrator, restore engine, and
// CDC ingesters. Every method must be safe for concurrent use and must
// never block the caller on a slow metrics backend.
type Sink interface {
	CycleStarted(mode string)
	CycleCompleted(mode string, duration time.Duration, listed, candidates, orphans, deleted, skipped, errorsLen int64)
	ObjectDeleted()
	ObjectBackupFailed()
	RegistryUnderflowSwallowed()
	RegistryStaleReconciled()
	CDCReconnect(stream string)
	CDCApplyLag(stream string, seconds float64)
	RestoreCompleted(restored, skipped int64)
}

// NoopSink discards every event. It is the default sink until an operator
// wires a real one.
type NoopSink struct{}

func (NoopSink) CycleStarted(string)                                                            {}
func (NoopSink) CycleCompleted(string, time.Duration, int64, int64, int64, int64, int64, int64) {}
func (NoopSink) ObjectDeleted()                                                        {}
func (NoopSink) ObjectBackupFailed()                                                   {}
func (NoopSink) RegistryUnderflowSwallowed()                                          {}
func (NoopSink) RegistryStaleReconciled()                                             {}
func (NoopSink) CDCReconnect(string)                                                   {}
func (NoopSink) CDCApplyLag(string, float64)                                          {}
func (NoopSink) RestoreCompleted(int64, int64)                                        {}

// PrometheusSink records every event into package-scoped Prometheus
// collectors, exposed over Handler().
type PrometheusSink struct{}

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "s3gc_cycles_total", Help: "GC cycles started, by mode."},
		[]string{"mode"},
	)
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "s3gc_cycle_duration_seconds", Help: "GC cycle wall-clock duration.", Buckets: prometheus.DefBuckets},
		[]string{"mode"},
	)
	objectsListed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_objects_listed_total", Help: "Bucket objects that survived exclusion and retention gates, across all cycles."})
	candidatesFound  = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_candidates_found_total", Help: "Objects whose registry reference count was zero."})
	verifiedOrphans  = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_verified_orphans_total", Help: "Candidates that also passed direct database re-verification."})
	objectsDeleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_objects_deleted_total", Help: "Objects backed up and deleted."})
	objectsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_objects_skipped_total", Help: "Objects skipped as still referenced."})
	cycleErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_cycle_errors_total", Help: "Per-object errors recorded across all cycles."})

	backupFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_backup_failures_total", Help: "Object backups that failed before deletion."})
	registryUnderflows   = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_registry_underflow_swallowed_total", Help: "Decrements swallowed as duplicate CDC deltas."})
	registryReconciled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_registry_stale_reconciled_total", Help: "Registry entries incremented after a stale-candidate database re-verification."})
	cdcReconnects        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "s3gc_cdc_reconnects_total", Help: "CDC stream reconnect attempts, by stream."}, []string{"stream"})
	cdcApplyLagSeconds   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "s3gc_cdc_apply_lag_seconds", Help: "Seconds between a CDC event's origin and its registry apply, by stream."}, []string{"stream"})
	restoresCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_restores_completed_total", Help: "Vault records successfully restored."})
	restoresSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "s3gc_restores_skipped_total", Help: "Restore attempts skipped (already existing or no backup blob)."})
)

func init() {
	prometheus.MustRegister(
		cyclesTotal, cycleDuration, objectsListed, candidatesFound, verifiedOrphans, objectsDeleted, objectsSkipped, cycleErrors,
		backupFailures, registryUnderflows, registryReconciled, cdcReconnects, cdcApplyLagSeconds,
		restoresCompleted, restoresSkippedTotal,
	)
}

func (PrometheusSink) CycleStarted(mode string) {
	cyclesTotal.WithLabelValues(mode).Inc()
}

func (PrometheusSink) CycleCompleted(mode string, duration time.Duration, listed, candidates, orphans, deleted, skipped, errorsLen int64) {
	cycleDuration.WithLabelValues(mode).Observe(duration.Seconds())
	objectsListed.Add(float64(listed))
	candidatesFound.Add(float64(candidates))
	verifiedOrphans.Add(float64(orphans))
	objectsDeleted.Add(float64(deleted))
	objectsSkipped.Add(float64(skipped))
	cycleErrors.Add(float64(errorsLen))
}

func (PrometheusSink) ObjectDeleted()      {}
func (PrometheusSink) ObjectBackupFailed() { backupFailures.Inc() }
func (PrometheusSink) RegistryUnderflowSwallowed() {
	registryUnderflows.Inc()
}
func (PrometheusSink) RegistryStaleReconciled() { registryReconciled.Inc() }
func (PrometheusSink) CDCReconnect(stream string) {
	cdcReconnects.WithLabelValues(stream).Inc()
}
func (PrometheusSink) CDCApplyLag(stream string, seconds float64) {
	cdcApplyLagSeconds.WithLabelValues(stream).Set(seconds)
}
func (PrometheusSink) RestoreCompleted(restored, skipped int64) {
	restoresCompleted.Add(float64(restored))
	restoresSkippedTotal.Add(float64(skipped))
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
