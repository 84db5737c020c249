package metrics

// ConsumerObserver receives delivery-pipeline events for operational
// visibility. Implementations must be safe for concurrent use.
type ConsumerObserver interface {
	RecordProcessed()
	RecordHandlerFailure()
	RecordDeadLettered()
	RecordDropped(reason string)
	RecordRebalance()
	SetInFlight(n int64)
	SetAssignedPartitions(n int)
}

// NoopObserver discards everything. Used in tests and as a default.
type NoopObserver struct{}

func (NoopObserver) RecordProcessed()          {}
func (NoopObserver) RecordHandlerFailure()     {}
func (NoopObserver) RecordDeadLettered()       {}
func (NoopObserver) RecordDropped(string)      {}
func (NoopObserver) RecordRebalance()          {}
func (NoopObserver) SetInFlight(int64)         {}
func (NoopObserver) SetAssignedPartitions(int) {}
