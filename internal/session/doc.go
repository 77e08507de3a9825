// Package session owns the per-tenant messaging session lifecycle.
//
// Each tenant has at most one Session, tracked by the Registry. A Session
// drives an abstract transport through an explicit state machine:
//
//	Idle -> Connecting -> AwaitingAuthentication -> Live
//
// Close events from the transport move the session to Reconnecting (fixed
// backoff, bounded retries) when the reason is recoverable, otherwise to
// Idle. Exhausting the retry budget also lands in Idle with the retry
// counter reset, so a later explicit connect starts fresh.
package session
