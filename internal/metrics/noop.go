package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PromotionCompleted(promoted int, duration time.Duration)    {}
func (n *NoopSink) DelaySetSize(size int)                                      {}
func (n *NoopSink) ExecutionQueueDepth(depth int)                              {}
func (n *NoopSink) PromotionStalled()                                          {}
func (n *NoopSink) TaskCompleted(signal, outcome string, dur time.Duration)    {}
func (n *NoopSink) ClaimConflict()                                             {}
func (n *NoopSink) TasksInFlightIncr()                                         {}
func (n *NoopSink) TasksInFlightDecr()                                         {}
func (n *NoopSink) TaskScheduled(signal string)                                {}
func (n *NoopSink) TaskCancelled(signal string)                                {}
func (n *NoopSink) TasksRequeued(count int)                                    {}
func (n *NoopSink) TasksPurged(count int64)                                    {}

// Compile-time interface assertions
var (
	_ Sink = (*NoopSink)(nil)
	_ Sink = (*PrometheusSink)(nil)
)
