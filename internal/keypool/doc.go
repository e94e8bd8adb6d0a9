// Package keypool tracks the credentials of a single upstream provider.
//
// Every key is either Active or Blacklisted until a point in time. A key is
// blacklisted after a quota or rate-limit failure and comes back on its own
// once the blacklist TTL has elapsed. Expiry is checked lazily on the next
// access, there is no background timer per key.
//
// Usage:
//
//	pool, err := keypool.New("gemini", secrets, keypool.WithTTL(24*time.Hour))
//	sel := pool.SelectActive()
//	if err := call(sel.Secret); err != nil {
//	    pool.RecordFailure(sel.Index, keypool.FailureQuota)
//	} else {
//	    pool.RecordSuccess(sel.Index)
//	}
//
// All methods are safe for concurrent use.
package keypool
