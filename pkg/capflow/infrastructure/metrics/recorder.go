// Package metrics records operational metrics for the distribution core.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Recorder is the metric surface the core components report through.
type Recorder interface {
	// RecordAdmission records the outcome of one admission call.
	RecordAdmission(total, inserted, queued, failed int, duration time.Duration)
	// RecordCapacityReject counts a submission refused by the memory gate.
	RecordCapacityReject()
	// RecordQueuePush counts jobs pushed to a source's work queue.
	RecordQueuePush(sourceID int, count int)
	// RecordQueuePop counts jobs dequeued from a source's work queue.
	RecordQueuePop(sourceID int, count int)
	// RecordStatusUpdate counts file status writes by outcome.
	RecordStatusUpdate(outcome string)
	// RecordReconcile records one reconciliation sweep.
	RecordReconcile(matched int, duration time.Duration)
	// RecordPartitionOp counts partition DDL by operation.
	RecordPartitionOp(op string)
	// RecordDedupPrune counts members removed by index pruning.
	RecordDedupPrune(removed int)
}

// PrometheusRecorder implements Recorder on a private registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	admissionDurationSeconds prometheus.Histogram
	admissionItemsTotal      *prometheus.CounterVec
	capacityRejectsTotal     prometheus.Counter

	queuePushTotal *prometheus.CounterVec
	queuePopTotal  *prometheus.CounterVec

	statusUpdatesTotal *prometheus.CounterVec

	reconcileDurationSeconds prometheus.Histogram
	reconcileMatchedTotal    prometheus.Counter

	partitionOpsTotal *prometheus.CounterVec
	dedupPrunedTotal  prometheus.Counter
}

// NewPrometheusRecorder creates a Recorder backed by a fresh registry with
// the Go runtime and process collectors attached.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		admissionDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capflow_admission_duration_seconds",
			Help:    "Duration of admission calls.",
			Buckets: prometheus.DefBuckets,
		}),
		admissionItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_admission_items_total",
			Help: "Admitted items by outcome.",
		}, []string{"outcome"}), // outcome: submitted, inserted, queued, failed
		capacityRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capflow_capacity_rejects_total",
			Help: "Submissions refused by the memory admission gate.",
		}),
		queuePushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_queue_push_total",
			Help: "Jobs pushed to work queues by source.",
		}, []string{"source"}),
		queuePopTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_queue_pop_total",
			Help: "Jobs consumed from work queues by source.",
		}, []string{"source"}),
		statusUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_status_updates_total",
			Help: "File status writes by outcome.",
		}, []string{"outcome"}), // outcome: applied, deferred, failed
		reconcileDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capflow_reconcile_duration_seconds",
			Help:    "Duration of reconciliation sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		reconcileMatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capflow_reconcile_matched_total",
			Help: "Files matched to windows by reconciliation.",
		}),
		partitionOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capflow_partition_ops_total",
			Help: "Partition DDL statements by operation.",
		}, []string{"op"}), // op: create, append, rebuild, drop
		dedupPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capflow_dedup_pruned_total",
			Help: "Members removed from the scan-dedup index.",
		}),
	}

	registry.MustRegister(r.admissionDurationSeconds)
	registry.MustRegister(r.admissionItemsTotal)
	registry.MustRegister(r.capacityRejectsTotal)
	registry.MustRegister(r.queuePushTotal)
	registry.MustRegister(r.queuePopTotal)
	registry.MustRegister(r.statusUpdatesTotal)
	registry.MustRegister(r.reconcileDurationSeconds)
	registry.MustRegister(r.reconcileMatchedTotal)
	registry.MustRegister(r.partitionOpsTotal)
	registry.MustRegister(r.dedupPrunedTotal)

	return r
}

// GetRegistry returns the Prometheus registry for exposition.
func (r *PrometheusRecorder) GetRegistry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) RecordAdmission(total, inserted, queued, failed int, duration time.Duration) {
	r.admissionDurationSeconds.Observe(duration.Seconds())
	r.admissionItemsTotal.WithLabelValues("submitted").Add(float64(total))
	r.admissionItemsTotal.WithLabelValues("inserted").Add(float64(inserted))
	r.admissionItemsTotal.WithLabelValues("queued").Add(float64(queued))
	r.admissionItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

func (r *PrometheusRecorder) RecordCapacityReject() {
	r.capacityRejectsTotal.Inc()
}

func sourceLabel(sourceID int) string {
	return strconv.Itoa(sourceID)
}

func (r *PrometheusRecorder) RecordQueuePush(sourceID int, count int) {
	r.queuePushTotal.WithLabelValues(sourceLabel(sourceID)).Add(float64(count))
}

func (r *PrometheusRecorder) RecordQueuePop(sourceID int, count int) {
	r.queuePopTotal.WithLabelValues(sourceLabel(sourceID)).Add(float64(count))
}

func (r *PrometheusRecorder) RecordStatusUpdate(outcome string) {
	r.statusUpdatesTotal.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordReconcile(matched int, duration time.Duration) {
	r.reconcileDurationSeconds.Observe(duration.Seconds())
	r.reconcileMatchedTotal.Add(float64(matched))
}

func (r *PrometheusRecorder) RecordPartitionOp(op string) {
	r.partitionOpsTotal.WithLabelValues(op).Inc()
}

func (r *PrometheusRecorder) RecordDedupPrune(removed int) {
	r.dedupPrunedTotal.Add(float64(removed))
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NopRecorder discards every observation. Used by tests.
type NopRecorder struct{}

func (NopRecorder) RecordAdmission(total, inserted, queued, failed int, duration time.Duration) {}
func (NopRecorder) RecordCapacityReject()                                                      {}
func (NopRecorder) RecordQueuePush(sourceID int, count int)                                    {}
func (NopRecorder) RecordQueuePop(sourceID int, count int)                                     {}
func (NopRecorder) RecordStatusUpdate(outcome string)                                          {}
func (NopRecorder) RecordReconcile(matched int, duration time.Duration)                        {}
func (NopRecorder) RecordPartitionOp(op string)                                                {}
func (NopRecorder) RecordDedupPrune(removed int)                                               {}

var _ Recorder = NopRecorder{}
