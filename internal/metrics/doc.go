// Package metrics aggregates key pool events and dispatch outcomes.
//
// Events flow through a buffered channel into a single collector goroutine, so
// recording never blocks the request path:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	pool, _ := keypool.New("gemini", keys, keypool.WithEventSink(collector.Observe))
//	collector.RecordDispatch(elapsed, metrics.OutcomeSuccess)
//
//	snapshot := collector.Snapshot()
//
// Per provider it tracks successes, failures by reason, blacklistings,
// recoveries and resets. Dispatch latencies are kept in a bounded window for
// percentile calculation (P50, P95, P99). Pending events are drained when the
// context is cancelled.
package metrics
