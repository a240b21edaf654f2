// Package directory defines the contract with the remote directory service:
// paginated follower/friend id listings, batched relationship lookups, the
// follow action and credential verification.
//
// Implementations report throttling with *RateLimitedError carrying the
// instant the quota resets, rejected credentials with ErrCredentialInvalid and
// everything else as *RemoteError. Callers branch on Classify.
package directory
