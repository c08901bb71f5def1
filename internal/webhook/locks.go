package webhook

import (
	"sync"
	"time"
)

// ChannelLocks deduplicates concurrently-arriving notifications for the same
// subscription channel. It is a best-effort, same-process mechanism, not a
// distributed lock; the sync it guards is idempotent, so two processes
// handling the same channel at once is safe, just wasteful.
//
// Each lock carries an absolute expiry so a handler that dies before
// releasing cannot wedge its channel. Different channels never serialize
// against each other.
type ChannelLocks struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	locked map[string]time.Time
}

// NewChannelLocks creates a lock set with the given expiry. now is the clock
// used for expiry decisions; pass nil for time.Now.
func NewChannelLocks(ttl time.Duration, now func() time.Time) *ChannelLocks {
	if now == nil {
		now = time.Now
	}
	return &ChannelLocks{
		ttl:    ttl,
		now:    now,
		locked: make(map[string]time.Time),
	}
}

// TryAcquire takes the lock for channelID if it is free or its previous
// holder's expiry has passed. The check and the take are one atomic step
// with respect to concurrent callers.
func (l *ChannelLocks) TryAcquire(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, held := l.locked[channelID]; held && now.Before(expiry) {
		return false
	}
	l.locked[channelID] = now.Add(l.ttl)
	return true
}

// Release frees the lock for channelID. Releasing an expired or unheld lock
// is a no-op.
func (l *ChannelLocks) Release(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locked, channelID)
}

// Held reports whether channelID currently holds an unexpired lock.
func (l *ChannelLocks) Held(channelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, held := l.locked[channelID]
	return held && l.now().Before(expiry)
}
