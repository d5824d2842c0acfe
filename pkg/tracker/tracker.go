// Package tracker keeps the registry of live handles and promotes the ones
// that stay open too long into a long-term store.
//
// Acquire and Release are called by the instrumentation layer from arbitrary
// goroutines. A single background goroutine sweeps the registry at a fixed
// interval while the tracker is open. A handle is promoted at most once, and
// its durable record is deleted exactly once, when the handle is released.
package tracker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the time between two sweeps.
const DefaultInterval = 5 * time.Second

// Store is the long-term sink for promoted records. Delete reports false,
// not an error, when the record is already gone.
type Store interface {
	Create(r leak.Record) error
	Delete(id string) (bool, error)
}

// Decider maps a live handle to a record worth persisting, or nothing.
// leak.Factory is the usual implementation.
type Decider interface {
	Decide(h leak.Handle, now time.Time) (*leak.Record, bool)
}

// Tracker orchestrates the registry, the decider and the store.
type Tracker struct {
	store    Store
	decider  Decider
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry

	nextID atomic.Uint64
	open   atomic.Bool

	// mu guards live and promoted. An entry in promoted always has a
	// matching entry in live.
	mu       sync.RWMutex
	live     map[leak.HandleID]leak.Handle
	promoted map[leak.HandleID]string

	// sweepMu serializes sweeps so a handle cannot be promoted twice.
	sweepMu sync.Mutex

	lifecycle sync.Mutex
	stopCh    chan struct{}
	done      chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger used for sweep failures and promotions.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// New creates a closed Tracker. Call Start to begin accepting handles.
func New(store Store, decider Decider, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		decider:  decider,
		interval: DefaultInterval,
		now:      time.Now,
		log:      logrus.WithField("component", "tracker"),
		live:     make(map[leak.HandleID]leak.Handle),
		promoted: make(map[leak.HandleID]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens the tracker and launches the sweep loop. Starting an open
// tracker does nothing.
func (t *Tracker) Start() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.open.Load() {
		return
	}
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	t.open.Store(true)

	go t.run(t.stopCh, t.done)
	t.log.WithField("interval", t.interval).Debug("tracker started")
}

// Close stops accepting handles, interrupts the sweep loop and waits for it
// to exit. Closing a closed tracker does nothing.
//
// Live and promoted entries survive Close: releasing a handle acquired in an
// earlier cycle still deletes its record.
func (t *Tracker) Close() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if !t.open.Load() {
		return
	}
	t.open.Store(false)
	close(t.stopCh)
	<-t.done
	t.log.Debug("tracker closed")
}

// IsOpen reports whether the tracker is accepting acquisitions.
func (t *Tracker) IsOpen() bool {
	return t.open.Load()
}

func (t *Tracker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Sweep(); err != nil {
				t.log.WithError(err).Warn("sweep finished with errors")
			}
		case <-stop:
			return
		}
	}
}

// Acquire registers a newly opened resource and returns its id. owner is a
// description of the resource, stack the call chain that opened it. A closed
// tracker records nothing and returns leak.NoHandle.
func (t *Tracker) Acquire(kind leak.Kind, owner string, stack []string) leak.HandleID {
	if !t.open.Load() {
		return leak.NoHandle
	}
	id := leak.HandleID(t.nextID.Add(1))
	h := leak.NewHandle(id, kind, owner, stack, t.now())

	t.mu.Lock()
	t.live[id] = h
	t.mu.Unlock()
	return id
}

// Release forgets a closed resource. Unknown ids, including leak.NoHandle
// and ids already released, are ignored. If the handle was promoted its
// record is deleted from the store; a store failure is returned but the
// registry entry is gone either way.
func (t *Tracker) Release(id leak.HandleID) error {
	if id == leak.NoHandle {
		return nil
	}

	t.mu.Lock()
	delete(t.live, id)
	recordID, promoted := t.promoted[id]
	delete(t.promoted, id)
	t.mu.Unlock()

	if !promoted {
		return nil
	}
	if _, err := t.store.Delete(recordID); err != nil {
		return fmt.Errorf("delete record %s for handle %s: %w", recordID, id, err)
	}
	t.log.WithFields(logrus.Fields{"handle": id, "record": recordID}).Debug("promoted handle closed")
	return nil
}

// Sweep evaluates every live, not yet promoted handle once. Failures are
// isolated per handle: they are logged, collected, and returned together
// after the pass completes.
func (t *Tracker) Sweep() error {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()

	now := t.now()
	var result *multierror.Error
	for _, h := range t.pending() {
		rec, ok := t.decider.Decide(h, now)
		if !ok {
			continue
		}
		if err := t.promote(h, rec); err != nil {
			t.log.WithError(err).WithField("handle", h.ID).Warn("promotion failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// pending snapshots the live handles that have not been promoted.
func (t *Tracker) pending() []leak.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	handles := make([]leak.Handle, 0, len(t.live))
	for id, h := range t.live {
		if _, ok := t.promoted[id]; ok {
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

func (t *Tracker) promote(h leak.Handle, rec *leak.Record) error {
	if err := t.store.Create(*rec); err != nil {
		return fmt.Errorf("create record for handle %s: %w", h.ID, err)
	}

	t.mu.Lock()
	_, stillOpen := t.live[h.ID]
	if stillOpen {
		t.promoted[h.ID] = rec.ID
	}
	t.mu.Unlock()

	if !stillOpen {
		// Released between the snapshot and now; nobody else will ever
		// delete this record.
		if _, err := t.store.Delete(rec.ID); err != nil {
			return fmt.Errorf("delete record %s for released handle %s: %w", rec.ID, h.ID, err)
		}
		return nil
	}

	t.log.WithFields(logrus.Fields{
		"handle":     h.ID,
		"record":     rec.ID,
		"identifier": rec.Identifier,
	}).Debug("handle promoted")
	return nil
}

// Len returns the number of live handles.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

// Handles returns a snapshot of the live handles ordered by id.
func (t *Tracker) Handles() []leak.Handle {
	t.mu.RLock()
	handles := make([]leak.Handle, 0, len(t.live))
	for _, h := range t.live {
		handles = append(handles, h)
	}
	t.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

// Promoted returns a copy of the handle id to record id mapping.
func (t *Tracker) Promoted() map[leak.HandleID]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[leak.HandleID]string, len(t.promoted))
	for id, rec := range t.promoted {
		out[id] = rec
	}
	return out
}

// RecordID returns the record id a handle was promoted to, if any.
func (t *Tracker) RecordID(id leak.HandleID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.promoted[id]
	return rec, ok
}
