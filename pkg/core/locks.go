package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockEntry records who holds a target and since when, for introspection.
type lockEntry struct {
	token      string
	operation  Operation
	acquiredAt time.Time
}

// LockInfo is a read-only snapshot of one held lock.
type LockInfo struct {
	Target     Target
	Operation  Operation
	AcquiredAt time.Time
}

// ActionLock enforces at-most-one in-flight action per target. Acquisition
// is non-blocking: a contended target is rejected with a busy error, never
// queued. The critical section covers only map bookkeeping, so no remote
// or store call ever runs while the mutex is held.
type ActionLock struct {
	mu   sync.Mutex
	held map[Target]lockEntry
}

// NewActionLock creates an empty action lock.
func NewActionLock() *ActionLock {
	return &ActionLock{
		held: make(map[Target]lockEntry),
	}
}

// Acquire attempts to take the target's lock for the given operation. On
// success it returns an opaque token required to release. If another
// action holds the target it returns a busy CoreError immediately.
func (l *ActionLock) Acquire(target Target, op Operation) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[target]; taken {
		return "", NewBusyError(target).WithOperation(op)
	}

	token := uuid.New().String()
	l.held[target] = lockEntry{
		token:      token,
		operation:  op,
		acquiredAt: time.Now(),
	}
	return token, nil
}

// Release frees the target's lock. The token must match the one returned
// by Acquire; a stale or foreign token is rejected so a late caller can
// never free a lock someone else now holds. Releasing an unheld target is
// also an internal error: it means a release path ran twice.
func (l *ActionLock) Release(target Target, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, taken := l.held[target]
	if !taken {
		return NewInternalError("release of unheld lock for %s", target)
	}
	if entry.token != token {
		return NewInternalError("release token mismatch for %s", target)
	}

	delete(l.held, target)
	return nil
}

// IsHeld reports whether any action currently holds the target.
func (l *ActionLock) IsHeld(target Target) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, taken := l.held[target]
	return taken
}

// Holders returns a snapshot of all currently held locks.
func (l *ActionLock) Holders() []LockInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	infos := make([]LockInfo, 0, len(l.held))
	for target, entry := range l.held {
		infos = append(infos, LockInfo{
			Target:     target,
			Operation:  entry.operation,
			AcquiredAt: entry.acquiredAt,
		})
	}
	return infos
}
