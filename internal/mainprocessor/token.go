package mainprocessor

import "sync/atomic"

// CancelToken carries the per-task revoked and soft-time-limit bits that
// MainProcessor checks at every streamed chunk and when a model stream ends
// with an error (spec §5 Cancellation & timeouts); skill calls do not consult
// it. It is safe for concurrent use.
type CancelToken struct {
	revoked     atomic.Bool
	softLimited atomic.Bool
}

func NewCancelToken() *CancelToken { return &CancelToken{} }

// Revoke flips the user-cancellation bit.
func (t *CancelToken) Revoke() { t.revoked.Store(true) }

// Revoked reports whether the user cancelled this task.
func (t *CancelToken) Revoked() bool { return t.revoked.Load() }

// TripSoftLimit flips the soft-time-limit bit.
func (t *CancelToken) TripSoftLimit() { t.softLimited.Store(true) }

// SoftLimited reports whether the soft time limit has been hit.
func (t *CancelToken) SoftLimited() bool { return t.softLimited.Load() }

// Interrupted reports whether either bit is set.
func (t *CancelToken) Interrupted() bool { return t.Revoked() || t.SoftLimited() }
