// Package sessions owns the lifecycle of client sessions: authentication at
// open, global and per-identity caps, heartbeat expiry, administrative
// revocation and graceful drain.
//
// Each Session carries a bounded Outbox. Producers push frames without
// blocking; when a subscriber falls behind the oldest queued frame is
// discarded and the session's Dropped counter grows. Transport adapters wait
// on Outbox.Wake and write whatever Drain returns.
//
// A Session's subscription set is mutated only through AddSubscription and
// RemoveSubscription, which run the channel registry call under the session
// lock. Close marks the session closed under the same lock before the close
// hooks scrub it from the registry, so a closed session can never regain a
// channel membership.
package sessions
