// Package warmup pre-computes cache entries for a batch of identities.
//
// Operators use it to fill the cache ahead of a known burst, for example the
// fields of a farm before a morning report run. Identities are spread over a
// small worker pool; each one goes through the cache coordinator, so entries
// that are already cached cost nothing and concurrent duplicates are computed
// once.
//
// Example usage:
//
//	warmer := warmup.New(coordinator, provider, warmup.DefaultConfig(), logger)
//	summary, err := warmer.Warm(ctx, identities)
//
// A failed identity does not stop the batch; it is reported in the summary.
package warmup
