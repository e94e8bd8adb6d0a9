package dispatcher

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrNoProviders           = errors.New("dispatcher needs at least one provider")
)

// ProviderKeysExhaustedError means every key of a provider is blacklisted.
// Cause is the last capacity error seen, nil if no call was made.
type ProviderKeysExhaustedError struct {
	Provider string
	Cause    error
}

func (e *ProviderKeysExhaustedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("provider %q: all keys exhausted", e.Provider)
	}
	return fmt.Sprintf("provider %q: all keys exhausted: %v", e.Provider, e.Cause)
}

func (e *ProviderKeysExhaustedError) Unwrap() error {
	return e.Cause
}

// UpstreamFatalError is a failure that says nothing about capacity, such as a
// malformed request or a rejected credential.
type UpstreamFatalError struct {
	Provider string
	Cause    error
}

func (e *UpstreamFatalError) Error() string {
	return fmt.Sprintf("provider %q: upstream error: %v", e.Provider, e.Cause)
}

func (e *UpstreamFatalError) Unwrap() error {
	return e.Cause
}

// AllProvidersExhaustedError collects the failure of every provider in
// priority order. It matches ErrAllProvidersExhausted and every wrapped
// failure with errors.Is and errors.As.
type AllProvidersExhaustedError struct {
	Failures []error
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%v: %s", ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Unwrap() []error {
	return append([]error{ErrAllProvidersExhausted}, e.Failures...)
}

// Last returns the failure of the lowest-priority provider.
func (e *AllProvidersExhaustedError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1]
}

// Fatal reports whether the last provider failed for a reason other than
// capacity.
func (e *AllProvidersExhaustedError) Fatal() bool {
	var fatal *UpstreamFatalError
	return errors.As(e.Last(), &fatal)
}
