package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultWindow is the trailing window over which request rate is measured
	DefaultWindow = time.Minute
	// DefaultThreshold is the windowed request count at which an id turns hot
	DefaultThreshold = 1
	// DefaultIdle is how long an id may go unrequested before eviction
	DefaultIdle = 15 * time.Minute
)

// Entry tracks the recent access rate for one id
type Entry struct {
	ID           string
	RequestCount int
	WindowStart  time.Time
	LastAccess   time.Time
}

// Tracker decides promotion into and eviction from the hot cache by
// watching per-id request rates. A tracker belongs to one execution
// context and is never shared, so it needs no locking; many trackers
// may feed the same shared HotCache.
//
// A nil *Tracker is valid: it records nothing and promotes nothing.
type Tracker struct {
	hot       *HotCache
	window    time.Duration
	threshold int
	idle      time.Duration
	logger    *zap.Logger

	now       func() time.Time
	entries   map[string]*Entry
	lastSweep time.Time
}

// NewTracker builds a tracker feeding the given hot cache. hot may be
// nil for rate tracking without a hot cache. Zero values for window,
// threshold and idle use the defaults (1 request per trailing minute
// promotes; 15 idle minutes evict).
func NewTracker(hot *HotCache, window time.Duration, threshold int, idle time.Duration, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if idle <= 0 {
		idle = DefaultIdle
	}

	return &Tracker{
		hot:       hot,
		window:    window,
		threshold: threshold,
		idle:      idle,
		logger:    logger,
		now:       time.Now,
		entries:   map[string]*Entry{},
	}
}

// RecordAccess counts a request for this id against the current
// window and reports whether the id's rate now qualifies it for the
// hot cache. A sweep runs lazily when one is due.
func (tracker *Tracker) RecordAccess(id string) bool {
	if tracker == nil {
		return false
	}

	now := tracker.now()

	if now.Sub(tracker.lastSweep) >= tracker.window {
		tracker.Sweep()
	}

	entry, ok := tracker.entries[id]

	if !ok {
		entry = &Entry{ID: id, WindowStart: now}
		tracker.entries[id] = entry
	}

	if now.Sub(entry.WindowStart) > tracker.window {
		entry.WindowStart = now
		entry.RequestCount = 0
	}

	entry.RequestCount++
	entry.LastAccess = now

	return entry.RequestCount >= tracker.threshold
}

// Sweep evicts every id whose last access is older than the idle
// limit, dropping both its entry and its hot-cache shortcut. Eviction
// is advisory only: it never touches the stored object.
func (tracker *Tracker) Sweep() {
	if tracker == nil {
		return
	}

	now := tracker.now()

	for id, entry := range tracker.entries {
		if now.Sub(entry.LastAccess) > tracker.idle {
			delete(tracker.entries, id)

			if tracker.hot != nil {
				tracker.hot.Evict(id)
			}

			if tracker.logger != nil {
				tracker.logger.Debug("evicted idle id", zap.String("id", id))
			}
		}
	}

	tracker.lastSweep = now
}

// Entry returns a copy of the tracking entry for this id
func (tracker *Tracker) Entry(id string) (Entry, bool) {
	if tracker == nil {
		return Entry{}, false
	}

	entry, ok := tracker.entries[id]

	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

type key int

const trackerKey key = iota

// WithTracker attaches a tracker to the context. Like the
// crystallization cache, a tracker rides the execution context rather
// than living in a process-wide singleton.
func WithTracker(ctx context.Context, tracker *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey, tracker)
}

// TrackerFromContext extracts the context's tracker, nil if none. A
// nil tracker is usable and simply never promotes.
func TrackerFromContext(ctx context.Context) *Tracker {
	tracker, ok := ctx.Value(trackerKey).(*Tracker)

	if !ok {
		return nil
	}

	return tracker
}
