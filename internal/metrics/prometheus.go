package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Queue metrics
	promotionsTotal   prometheus.Counter
	promotedTotal     prometheus.Counter
	promotionDuration prometheus.Histogram
	promotionStalls   prometheus.Counter
	delaySetSize      prometheus.Gauge
	executionQueue    prometheus.Gauge

	// Worker metrics
	tasksCompletedTotal *prometheus.CounterVec
	deliveryDuration    prometheus.Histogram
	claimConflictsTotal prometheus.Counter
	tasksInFlight       prometheus.Gauge

	// Controller metrics
	tasksScheduledTotal *prometheus.CounterVec
	tasksCancelledTotal *prometheus.CounterVec

	// Reconciler metrics
	tasksRequeuedTotal prometheus.Counter
	tasksPurgedTotal   prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initQueueMetrics(reg)
	s.initWorkerMetrics(reg)
	s.initControllerMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_queue_promotions_total",
		Help: "Total number of promotion ticks processed.",
	})
	s.promotedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_queue_promoted_tasks_total",
		Help: "Total number of tasks promoted to the execution queue.",
	})
	s.promotionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsched_queue_promotion_duration_seconds",
		Help:    "Duration of each promotion tick in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	s.promotionStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_queue_promotion_stalls_total",
		Help: "Total number of promotion ticks stopped by a full execution queue.",
	})
	s.delaySetSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailsched_queue_delay_set_size",
		Help: "Current number of not-yet-due tasks in the delay set.",
	})
	s.executionQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailsched_queue_execution_queue_depth",
		Help: "Current number of due tasks waiting for a worker.",
	})

	s.register(reg, s.promotionsTotal, "mailsched_queue_promotions_total")
	s.register(reg, s.promotedTotal, "mailsched_queue_promoted_tasks_total")
	s.register(reg, s.promotionDuration, "mailsched_queue_promotion_duration_seconds")
	s.register(reg, s.promotionStalls, "mailsched_queue_promotion_stalls_total")
	s.register(reg, s.delaySetSize, "mailsched_queue_delay_set_size")
	s.register(reg, s.executionQueue, "mailsched_queue_execution_queue_depth")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.tasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsched_worker_tasks_completed_total",
		Help: "Total number of executed tasks by signal and outcome.",
	}, []string{"signal", "outcome"})

	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailsched_worker_delivery_duration_seconds",
		Help:    "Mail gateway request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.claimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_worker_claim_conflicts_total",
		Help: "Total number of due tasks dropped because their status changed before the claim.",
	})

	s.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailsched_worker_tasks_in_flight",
		Help: "Number of tasks currently being executed.",
	})

	s.register(reg, s.tasksCompletedTotal, "mailsched_worker_tasks_completed_total")
	s.register(reg, s.deliveryDuration, "mailsched_worker_delivery_duration_seconds")
	s.register(reg, s.claimConflictsTotal, "mailsched_worker_claim_conflicts_total")
	s.register(reg, s.tasksInFlight, "mailsched_worker_tasks_in_flight")
}

func (s *PrometheusSink) initControllerMetrics(reg prometheus.Registerer) {
	s.tasksScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsched_controller_tasks_scheduled_total",
		Help: "Total number of tasks created, by signal.",
	}, []string{"signal"})

	s.tasksCancelledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsched_controller_tasks_cancelled_total",
		Help: "Total number of tasks cancelled, by signal.",
	}, []string{"signal"})

	s.register(reg, s.tasksScheduledTotal, "mailsched_controller_tasks_scheduled_total")
	s.register(reg, s.tasksCancelledTotal, "mailsched_controller_tasks_cancelled_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.tasksRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_reconciler_tasks_requeued_total",
		Help: "Total number of stale locked or running tasks returned to the queue.",
	})
	s.tasksPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailsched_reconciler_tasks_purged_total",
		Help: "Total number of terminal tasks deleted by retention purges.",
	})

	s.register(reg, s.tasksRequeuedTotal, "mailsched_reconciler_tasks_requeued_total")
	s.register(reg, s.tasksPurgedTotal, "mailsched_reconciler_tasks_purged_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Queue metrics implementation

func (s *PrometheusSink) PromotionCompleted(promoted int, duration time.Duration) {
	s.promotionsTotal.Inc()
	s.promotedTotal.Add(float64(promoted))
	s.promotionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DelaySetSize(n int) {
	s.delaySetSize.Set(float64(n))
}

func (s *PrometheusSink) ExecutionQueueDepth(n int) {
	s.executionQueue.Set(float64(n))
}

func (s *PrometheusSink) PromotionStalled() {
	s.promotionStalls.Inc()
}

// Worker metrics implementation

func (s *PrometheusSink) TaskCompleted(signal, outcome string, duration time.Duration) {
	s.tasksCompletedTotal.WithLabelValues(signal, outcome).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimConflict() {
	s.claimConflictsTotal.Inc()
}

func (s *PrometheusSink) TasksInFlightIncr() {
	s.tasksInFlight.Inc()
}

func (s *PrometheusSink) TasksInFlightDecr() {
	s.tasksInFlight.Dec()
}

// Controller metrics implementation

func (s *PrometheusSink) TaskScheduled(signal string) {
	s.tasksScheduledTotal.WithLabelValues(signal).Inc()
}

func (s *PrometheusSink) TaskCancelled(signal string) {
	s.tasksCancelledTotal.WithLabelValues(signal).Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) TasksRequeued(count int) {
	s.tasksRequeuedTotal.Add(float64(count))
}

func (s *PrometheusSink) TasksPurged(count int64) {
	s.tasksPurgedTotal.Add(float64(count))
}
