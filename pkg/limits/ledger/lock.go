package ledger

import "time"

// timedLock is a mutex whose acquisition can give up after a deadline.
// It is a one-slot semaphore: holding the lock means owning the slot.
type timedLock struct {
	slot chan struct{}
}

func newTimedLock() timedLock {
	return timedLock{slot: make(chan struct{}, 1)}
}

// tryLock acquires the lock, waiting at most timeout.
// A non-positive timeout waits indefinitely.
func (l timedLock) tryLock(timeout time.Duration) bool {
	// Fast path: uncontended.
	select {
	case l.slot <- struct{}{}:
		return true
	default:
	}

	if timeout <= 0 {
		l.slot <- struct{}{}
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.slot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// lock acquires the lock without a deadline.
func (l timedLock) lock() {
	l.slot <- struct{}{}
}

func (l timedLock) unlock() {
	<-l.slot
}
