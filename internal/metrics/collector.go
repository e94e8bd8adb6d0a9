package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
)

type EventType string

const (
	EventKeySuccess        EventType = "key_success"
	EventKeyFailure        EventType = "key_failure"
	EventKeyBlacklisted    EventType = "key_blacklisted"
	EventKeyRecovered      EventType = "key_recovered"
	EventPoolReset         EventType = "pool_reset"
	EventDispatchCompleted EventType = "dispatch_completed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Provider  string
	Reason    string
	Duration  time.Duration
	Outcome   Outcome
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Observe converts a pool event and queues it. It is meant to be passed to
// keypool.WithEventSink and never blocks; events are dropped when the buffer
// is full.
func (c *Collector) Observe(ev keypool.Event) {
	me := MetricEvent{
		Timestamp: ev.Timestamp,
		Provider:  ev.Provider,
	}

	switch ev.Type {
	case keypool.EventSuccess:
		me.Type = EventKeySuccess
	case keypool.EventFailure:
		me.Type = EventKeyFailure
		me.Reason = ev.Reason.String()
	case keypool.EventBlacklisted:
		me.Type = EventKeyBlacklisted
		me.Reason = ev.Reason.String()
	case keypool.EventRecovered:
		me.Type = EventKeyRecovered
	case keypool.EventReset:
		me.Type = EventPoolReset
	default:
		return
	}

	c.emit(me)
}

// RecordDispatch queues the outcome of one dispatch without blocking.
func (c *Collector) RecordDispatch(duration time.Duration, outcome Outcome) {
	c.emit(MetricEvent{
		Type:      EventDispatchCompleted,
		Timestamp: time.Now(),
		Duration:  duration,
		Outcome:   outcome,
	})
}

func (c *Collector) emit(event MetricEvent) {
	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventKeySuccess:
		c.metrics.RecordSuccess(event.Provider)

	case EventKeyFailure:
		c.metrics.RecordFailure(event.Provider, event.Reason)

	case EventKeyBlacklisted:
		c.metrics.RecordFailure(event.Provider, event.Reason)
		c.metrics.RecordBlacklisting(event.Provider)

	case EventKeyRecovered:
		c.metrics.RecordRecovery(event.Provider)

	case EventPoolReset:
		c.metrics.RecordReset(event.Provider)

	case EventDispatchCompleted:
		c.metrics.RecordDispatch(event.Duration, event.Outcome)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
