package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
)

// RequestFunc performs exactly one upstream call with the given handle.
type RequestFunc func(ctx context.Context, h provider.Handle) error

type Dispatcher struct {
	providers []*provider.Provider
	logger    *slog.Logger
}

// New creates a dispatcher over providers in priority order, highest first.
func New(logger *slog.Logger, providers []*provider.Provider) (*Dispatcher, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ordered := make([]*provider.Provider, len(providers))
	copy(ordered, providers)

	return &Dispatcher{
		providers: ordered,
		logger:    logger,
	}, nil
}

// Providers returns the providers in priority order.
func (d *Dispatcher) Providers() []*provider.Provider {
	out := make([]*provider.Provider, len(d.providers))
	copy(out, d.providers)
	return out
}

// Do runs fn until one call succeeds or every provider is exhausted. A single
// call never issues more upstream requests than the sum of the providers'
// MaxAttempts. The context is checked before every attempt; once it is done
// its error is returned as is.
func (d *Dispatcher) Do(ctx context.Context, fn RequestFunc) error {
	log := d.logger.With(slog.String("dispatch_id", ksuid.New().String()))
	start := time.Now()

	failures := make([]error, 0, len(d.providers))

	for i, p := range d.providers {
		err := d.tryProvider(ctx, log, p, fn)
		if err == nil {
			log.Debug("Dispatch succeeded",
				slog.String("provider", p.Name()),
				slog.Duration("elapsed", time.Since(start)))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return err
		}

		failures = append(failures, err)

		if i < len(d.providers)-1 {
			log.Warn("Provider unavailable, falling back",
				slog.String("provider", p.Name()),
				slog.String("next", d.providers[i+1].Name()),
				slog.String("error", err.Error()))
		}
	}

	exhausted := &AllProvidersExhaustedError{Failures: failures}
	log.Error("All providers exhausted",
		slog.Int("providers", len(d.providers)),
		slog.Bool("fatal", exhausted.Fatal()),
		slog.Duration("elapsed", time.Since(start)))

	return exhausted
}

// tryProvider spends up to MaxAttempts calls on one provider. If the caller's
// context ends first, ctx.Err() is returned unwrapped.
func (d *Dispatcher) tryProvider(ctx context.Context, log *slog.Logger, p *provider.Provider, fn RequestFunc) error {
	pool := p.Pool()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, sel := p.Acquire()
		if sel.Degraded {
			return &ProviderKeysExhaustedError{Provider: p.Name(), Cause: lastErr}
		}

		callErr := fn(ctx, h)
		if callErr == nil {
			pool.RecordSuccess(sel.Index)
			return nil
		}

		kind := Classify(callErr)
		pool.RecordFailure(sel.Index, kind)

		log.Info("Upstream call failed",
			slog.String("provider", p.Name()),
			slog.String("key", sel.MaskedID),
			slog.Int("attempt", attempt),
			slog.String("reason", kind.String()),
			slog.String("error", callErr.Error()))

		if !kind.Blacklists() {
			return &UpstreamFatalError{Provider: p.Name(), Cause: callErr}
		}
		lastErr = callErr
	}

	return &ProviderKeysExhaustedError{Provider: p.Name(), Cause: lastErr}
}

// Execute is Do for request functions that produce a value. The zero value of
// T is returned on failure.
func Execute[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context, h provider.Handle) (T, error)) (T, error) {
	var result T
	err := d.Do(ctx, func(ctx context.Context, h provider.Handle) error {
		v, err := fn(ctx, h)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ActiveKeys reports the selectable key count per provider name.
func (d *Dispatcher) ActiveKeys() map[string]int {
	out := make(map[string]int, len(d.providers))
	for _, p := range d.providers {
		out[p.Name()] = p.Pool().ActiveCount()
	}
	return out
}
