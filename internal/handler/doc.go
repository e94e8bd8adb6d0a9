// Package handler exposes the dispatcher over HTTP: a generate endpoint that
// runs one completion through the provider chain, and an admin surface for
// key status, manual reset and metrics.
package handler
