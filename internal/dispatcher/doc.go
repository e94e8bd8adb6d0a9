// Package dispatcher runs a single upstream call against the best available
// credential across an ordered list of providers.
//
// Quota and rate-limit failures blacklist the key that hit them and the call is
// retried with the next key of the same provider. When a provider has no keys
// left, or fails with an error that is not about capacity, the next provider in
// priority order is tried. Only when every provider is exhausted does the caller
// see an error:
//
//	d, _ := dispatcher.New(logger, providers)
//	text, err := dispatcher.Execute(ctx, d, func(ctx context.Context, h provider.Handle) (string, error) {
//	    return client.Complete(ctx, h, prompt)
//	})
//	switch {
//	case errors.As(err, new(*dispatcher.UpstreamFatalError)):
//	    // the request itself is broken
//	case errors.Is(err, dispatcher.ErrAllProvidersExhausted):
//	    // no capacity anywhere
//	}
//
// The dispatcher never fabricates a result.
package dispatcher
