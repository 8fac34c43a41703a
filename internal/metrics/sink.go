package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Queue metrics
	PromotionCompleted(promoted int, duration time.Duration)
	DelaySetSize(n int)
	ExecutionQueueDepth(n int)
	PromotionStalled()

	// Worker metrics
	TaskCompleted(signal, outcome string, duration time.Duration)
	ClaimConflict()
	TasksInFlightIncr()
	TasksInFlightDecr()

	// Controller metrics
	TaskScheduled(signal string)
	TaskCancelled(signal string)

	// Reconciler metrics
	TasksRequeued(count int)
	TasksPurged(count int64)
}

// Outcome constants for TaskCompleted metric.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)
