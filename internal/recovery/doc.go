// Package recovery periodically expires stale blacklists so recovery events
// are emitted even while no traffic reaches a pool.
package recovery
