// ABOUTME: In-flight guard keyed by idempotency key, with TTL and capacity limits.
// ABOUTME: Keeps two redelivered copies of one envelope from being processed at the same time.

package dedupe

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrHeld is returned by Hold when the key is already held and unexpired.
	ErrHeld = errors.New("key is already held")
	// ErrFull is returned by Hold when the guard is at capacity.
	ErrFull = errors.New("guard is at capacity")
)

// holdEntry records when a key was acquired and its position in the age list.
type holdEntry struct {
	acquired time.Time
	element  *list.Element
}

// Guard tracks keys that are currently being processed. A hold expires after
// ttl so a worker that never releases cannot block a key forever.
// Uses a doubly-linked list ordered by acquisition for O(1) expiry sweeps.
type Guard struct {
	mu      sync.Mutex
	held    map[string]*holdEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates a guard whose holds expire after ttl. At most maxSize keys are
// held at once; further acquisitions fail until holds are released.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		held:    make(map[string]*holdEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go g.sweep()
	return g
}

// Acquire takes the hold for key. It returns false if the key is already held
// and unexpired, or if the guard is at capacity.
func (g *Guard) Acquire(key string) bool {
	return g.Hold(key) == nil
}

// Hold takes the hold for key, reporting ErrHeld or ErrFull when it cannot.
func (g *Guard) Hold(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.held[key]; ok {
		if now.Sub(entry.acquired) < g.ttl {
			return ErrHeld
		}
		g.removeLocked(key, entry)
	}

	if len(g.held) >= g.maxSize {
		g.expireLocked(now)
		if len(g.held) >= g.maxSize {
			return ErrFull
		}
	}

	g.held[key] = &holdEntry{acquired: now, element: g.order.PushBack(key)}
	return nil
}

// Release drops the hold for key. Releasing an unheld key is a no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.held[key]; ok {
		g.removeLocked(key, entry)
	}
}

// Held reports whether key is currently held.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.held[key]
	return ok && g.now().Sub(entry.acquired) < g.ttl
}

// Len returns the number of holds, including expired ones not yet swept.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

func (g *Guard) removeLocked(key string, entry *holdEntry) {
	g.order.Remove(entry.element)
	delete(g.held, key)
}

// expireLocked drops expired holds from the front of the age list.
// Must be called with mu held.
func (g *Guard) expireLocked(now time.Time) {
	for front := g.order.Front(); front != nil; front = g.order.Front() {
		key, _ := front.Value.(string)
		entry := g.held[key]
		if entry == nil || now.Sub(entry.acquired) < g.ttl {
			return
		}
		g.removeLocked(key, entry)
	}
}

// sweep runs in a background goroutine, periodically dropping expired holds.
func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			g.expireLocked(g.now())
			g.mu.Unlock()
		case <-g.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
