// Package dedupe provides idempotency for message posts: a time-based cache
// that remembers which message ids a client-supplied key produced, so a
// retried request returns the original result instead of appending again.
package dedupe
