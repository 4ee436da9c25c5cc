// Package lock provides the per-ride and per-driver mutual exclusion the
// dispatch engine relies on.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

// Locker serialises work on a key. The returned func releases the lock and
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func RideKey(id string) string   { return "lock:ride:" + id }
func DriverKey(id string) string { return "lock:driver:" + id }
func RiderKey(id string) string  { return "lock:rider:" + id }

// TariffKey guards the read-modify-write of the shared tariff.
const TariffKey = "lock:tariff"

// Keyed is an in-process Locker. Entries are reference counted so the map
// only holds keys somebody is waiting on.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
	wait  time.Duration
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyed returns a Locker that gives up after wait. A zero wait blocks
// until ctx is done.
func NewKeyed(wait time.Duration) *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry), wait: wait}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	var timeout <-chan time.Time
	if k.wait > 0 {
		t := time.NewTimer(k.wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.release(key, e)
			})
		}, nil
	case <-timeout:
		k.release(key, e)
		return nil, fmt.Errorf("lock %s: wait exceeded %s: %w", key, k.wait, apperr.ErrConflict)
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (k *Keyed) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
