package ariarpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	// Ids stay inside the integer range JSON peers decode exactly.
	defaultIDPeriod  = uint64(1) << 53
	defaultOrphanTTL = time.Minute
)

// Result is what a response resolves a pending call to.
type Result struct {
	Value json.RawMessage
	Err   error
}

type slot struct {
	done     chan struct{}
	result   Result
	resolved bool
	owner    string
	// orphan marks a slot created by a response nobody has awaited yet.
	orphan  bool
	created time.Time
}

func newSlot(owner string, now time.Time) *slot {
	return &slot{done: make(chan struct{}), owner: owner, created: now}
}

// resolveLocked completes the slot once. Callers hold Store.mu.
func (sl *slot) resolveLocked(r Result) bool {
	if sl.resolved {
		return false
	}
	sl.result = r
	sl.resolved = true
	close(sl.done)
	return true
}

// Store correlates responses with pending calls. One Store is normally owned
// by one Trigger; sharing it between triggers is done explicitly through
// WithStore, and slots carry the owning session so a lost connection only
// fails its own calls.
type Store struct {
	mu        sync.Mutex
	counter   uint64
	period    uint64
	orphanTTL time.Duration
	lastSweep time.Time
	slots     map[ID]*slot
	// consumed remembers ids whose response was handed to a caller, so a
	// duplicate response does not leave an orphan behind.
	consumed map[ID]time.Time
}

type StoreOption func(*Store)

// WithIDPeriod sets the wrap period of the id counter.
func WithIDPeriod(period uint64) StoreOption {
	return func(s *Store) {
		if period > 0 {
			s.period = period
		}
	}
}

// WithOrphanTTL bounds how long a response for an id nobody awaits is kept.
func WithOrphanTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.orphanTTL = d
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		period:    defaultIDPeriod,
		orphanTTL: defaultOrphanTTL,
		slots:     make(map[ID]*slot),
		consumed:  make(map[ID]time.Time),
		lastSweep: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextID advances the counter modulo the period. Ids still held by a slot
// are skipped; when every id of the period is held ErrIDSpaceExhausted is
// returned.
func (s *Store) NextID() (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.slots)) >= s.period {
		return 0, ErrIDSpaceExhausted
	}
	for {
		s.counter = (s.counter + 1) % s.period
		if _, busy := s.slots[s.counter]; !busy {
			delete(s.consumed, s.counter)
			return s.counter, nil
		}
	}
}

// Register creates the slot for an outgoing call before it is written, so
// the response can never race ahead of it. A response that already arrived
// for id is kept and adopted by owner.
func (s *Store) Register(id ID, owner string) {
	s.mu.Lock()
	delete(s.consumed, id)
	if sl, ok := s.slots[id]; ok {
		sl.owner = owner
		sl.orphan = false
	} else {
		s.slots[id] = newSlot(owner, time.Now())
	}
	s.mu.Unlock()
}

// Await waits for the response to id. A slot that is already resolved
// returns at once; a missing slot is created first. The slot is removed on
// every return path. timeout <= 0 waits until ctx is done. Call Await at
// most once per id.
func (s *Store) Await(ctx context.Context, id ID, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		delete(s.consumed, id)
		sl = newSlot("", time.Now())
		s.slots[id] = sl
	}
	sl.orphan = false
	if sl.resolved {
		delete(s.slots, id)
		s.consumed[id] = time.Now()
		s.mu.Unlock()
		return sl.result.Value, sl.result.Err
	}
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-sl.done:
	case <-expired:
		if r, done := s.abandon(id, sl); done {
			return r.Value, r.Err
		}
		return nil, &TimeoutError{ID: id, After: timeout}
	case <-ctx.Done():
		if r, done := s.abandon(id, sl); done {
			return r.Value, r.Err
		}
		return nil, ctx.Err()
	}
	s.consume(id, sl)
	return sl.result.Value, sl.result.Err
}

// abandon removes sl after a timeout or cancellation. A resolution that
// won the race is still handed back.
func (s *Store) abandon(id ID, sl *slot) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[id] == sl {
		delete(s.slots, id)
		if sl.resolved {
			s.consumed[id] = time.Now()
		}
	}
	return sl.result, sl.resolved
}

// forget drops the slot for id when its request never left.
func (s *Store) forget(id ID) {
	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()
}

func (s *Store) consume(id ID, sl *slot) {
	s.mu.Lock()
	if s.slots[id] == sl {
		delete(s.slots, id)
		s.consumed[id] = time.Now()
	}
	s.mu.Unlock()
}

// Resolve completes the slot for id. Only the first resolution has effect.
// A response for an id with no slot creates a pre-resolved one so a later
// Await returns immediately.
func (s *Store) Resolve(id ID, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		now := time.Now()
		s.sweepLocked(now)
		if _, dup := s.consumed[id]; dup {
			return false
		}
		sl = newSlot("", now)
		sl.orphan = true
		s.slots[id] = sl
	}
	return sl.resolveLocked(r)
}

// FailOwner resolves every unresolved slot registered by owner with err and
// reports how many were failed.
func (s *Store) FailOwner(owner string, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.owner == owner && sl.resolveLocked(Result{Err: err}) {
			n++
		}
	}
	return n
}

// FailAll resolves every unresolved slot with err.
func (s *Store) FailAll(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.resolveLocked(Result{Err: err}) {
			n++
		}
	}
	return n
}

// Pending counts unresolved slots owned by owner.
func (s *Store) Pending(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.owner == owner && !sl.resolved {
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Store) Has(id ID) bool {
	s.mu.Lock()
	_, ok := s.slots[id]
	s.mu.Unlock()
	return ok
}

func (s *Store) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.orphanTTL {
		return
	}
	s.lastSweep = now
	for id, sl := range s.slots {
		if sl.orphan && now.Sub(sl.created) >= s.orphanTTL {
			delete(s.slots, id)
		}
	}
	for id, at := range s.consumed {
		if now.Sub(at) >= s.orphanTTL {
			delete(s.consumed, id)
		}
	}
}
