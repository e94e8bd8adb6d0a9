package keypool

import "time"

type EventType string

const (
	EventBlacklisted EventType = "key_blacklisted"
	EventRecovered   EventType = "key_recovered"
	EventSuccess     EventType = "key_success"
	EventFailure     EventType = "key_failure"
	EventReset       EventType = "pool_reset"
)

// Event describes a bookkeeping change in a pool. MaskedKey is empty for
// pool-wide events. Seq is assigned under the pool lock and increases by one
// per event, so it gives the order in which changes happened. Manual marks a
// recovery caused by Reset rather than TTL expiry.
type Event struct {
	Seq       uint64
	Type      EventType
	Timestamp time.Time
	Provider  string
	MaskedKey string
	Reason    FailureKind
	Until     time.Time
	Manual    bool
}

// EventSink receives pool events. Implementations must not block. Events are
// delivered after the pool lock is released, so concurrent callers may hand
// them over out of order; sort by Seq when order matters.
type EventSink func(Event)
