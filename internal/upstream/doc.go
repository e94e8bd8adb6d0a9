// Package upstream performs OpenAI-compatible chat completion calls with a
// provider handle. Every call is exactly one HTTP request; failures come back
// as *provider.StatusError so they can be classified.
package upstream
