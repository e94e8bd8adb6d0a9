// Package status exposes a read-only view of key pool health and the
// administrative reset. Secrets never leave this package unmasked.
package status
