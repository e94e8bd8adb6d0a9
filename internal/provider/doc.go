// Package provider binds a key pool to one upstream text-generation target.
// It hands out Handles carrying the selected credential, the model id, the
// resolved endpoint and a shared HTTP client.
package provider
