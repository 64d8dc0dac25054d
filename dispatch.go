package ariarpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Lifecycle notifications emitted by aria2.
const (
	EventDownloadStart      = "aria2.onDownloadStart"
	EventDownloadPause      = "aria2.onDownloadPause"
	EventDownloadStop       = "aria2.onDownloadStop"
	EventDownloadComplete   = "aria2.onDownloadComplete"
	EventDownloadError      = "aria2.onDownloadError"
	EventBtDownloadComplete = "aria2.onBtDownloadComplete"
)

// Events lists every lifecycle notification name.
var Events = []string{
	EventDownloadStart,
	EventDownloadPause,
	EventDownloadStop,
	EventDownloadComplete,
	EventDownloadError,
	EventBtDownloadComplete,
}

const (
	defaultMaxInFlight    = 64
	defaultQueueSize      = 256
	defaultHandlerTimeout = 30 * time.Second
)

// Handler receives one notification. t is the trigger the notification
// arrived on and may be nil when dispatching outside a trigger. The ctx is
// bounded by the handler timeout.
type Handler func(ctx context.Context, t *Trigger, ev Event) error

// Handle identifies one registration.
type Handle struct {
	Event string
	id    uint64
}

type entry struct {
	id      uint64
	handler Handler
}

// Registry maps notification names to handlers in registration order.
// Slices are replaced, never mutated in place, so a snapshot taken by an
// in-progress dispatch is unaffected by later registrations.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[string][]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]entry)}
}

func (r *Registry) Register(event string, h Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	cur := r.handlers[event]
	next := make([]entry, len(cur), len(cur)+1)
	copy(next, cur)
	r.handlers[event] = append(next, entry{id: r.next, handler: h})
	return Handle{Event: event, id: r.next}
}

// Unregister removes the registration behind h. It reports false when h is
// unknown.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.handlers[h.Event]
	for i, e := range cur {
		if e.id != h.id {
			continue
		}
		if len(cur) == 1 {
			delete(r.handlers, h.Event)
			return true
		}
		next := make([]entry, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		r.handlers[h.Event] = append(next, cur[i+1:]...)
		return true
	}
	return false
}

// Snapshot returns the handlers registered for event right now.
func (r *Registry) Snapshot(event string) []Handler {
	r.mu.RLock()
	cur := r.handlers[event]
	r.mu.RUnlock()
	if len(cur) == 0 {
		return nil
	}
	hs := make([]Handler, len(cur))
	for i, e := range cur {
		hs[i] = e.handler
	}
	return hs
}

func (r *Registry) Len(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatcher fans notifications out to the registry's handlers. Each handler
// runs in its own goroutine; the number running at once is capped by a
// weighted semaphore, and notifications waiting for a slot sit in a bounded
// queue drained by one pump goroutine.
type Dispatcher struct {
	registry       *Registry
	sem            *semaphore.Weighted
	handlerTimeout time.Duration
	logger         *zap.Logger
	metrics        *Metrics

	queue chan queuedEvent
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	pumpDone  chan struct{}

	// base parents every handler context; cancelled once draining is over.
	base       context.Context
	baseCancel context.CancelFunc
}

type queuedEvent struct {
	t  *Trigger
	ev Event
}

type DispatcherOption func(*Dispatcher)

// WithMaxInFlight caps concurrently running handlers.
func WithMaxInFlight(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithQueueSize sets how many notifications may wait for dispatch.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan queuedEvent, n)
		}
	}
}

// WithHandlerTimeout bounds every handler invocation. Zero disables it.
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.handlerTimeout = timeout }
}

func WithDispatchLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:       registry,
		sem:            semaphore.NewWeighted(defaultMaxInFlight),
		handlerTimeout: defaultHandlerTimeout,
		logger:         zap.NewNop(),
		queue:          make(chan queuedEvent, defaultQueueSize),
		stop:           make(chan struct{}),
		pumpDone:       make(chan struct{}),
		base:           base,
		baseCancel:     cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch invokes every handler registered for ev.Method at the time of the
// call and returns how many were started. It returns once they are started,
// not once they finish. Without handlers the notification is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, t *Trigger, ev Event) int {
	return d.dispatch(ctx, ctx, t, ev)
}

func (d *Dispatcher) dispatch(acquireCtx, parent context.Context, t *Trigger, ev Event) int {
	handlers := d.registry.Snapshot(ev.Method)
	if len(handlers) == 0 {
		d.logger.Debug("no handler for notification", zap.String("event", ev.Method), zap.String("gid", ev.GID))
		return 0
	}
	for i, h := range handlers {
		if err := d.sem.Acquire(acquireCtx, 1); err != nil {
			d.logger.Warn("notification dispatch abandoned",
				zap.String("event", ev.Method),
				zap.Int("started", i),
				zap.Int("handlers", len(handlers)),
				zap.Error(err))
			return i
		}
		d.wg.Add(1)
		go d.invoke(parent, t, ev, h)
	}
	return len(handlers)
}

func (d *Dispatcher) invoke(parent context.Context, t *Trigger, ev Event, h Handler) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	ctx := parent
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.handlerTimeout)
		defer cancel()
	}
	if err := safeCall(ctx, h, t, ev); err != nil {
		d.metrics.observeHandlerFailure(ev.Method)
		d.logger.Warn("notification handler failed",
			zap.String("event", ev.Method),
			zap.String("gid", ev.GID),
			zap.Error(err))
	}
}

func safeCall(ctx context.Context, h Handler, t *Trigger, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t, ev)
}

// enqueue hands ev to the pump without blocking. It reports false when the
// queue is full and the notification was dropped.
func (d *Dispatcher) enqueue(t *Trigger, ev Event) bool {
	d.startOnce.Do(func() { go d.pump() })
	select {
	case d.queue <- queuedEvent{t: t, ev: ev}:
		return true
	default:
		d.metrics.observeDropped()
		d.logger.Warn("dispatch queue full, notification dropped",
			zap.String("event", ev.Method),
			zap.String("gid", ev.GID))
		return false
	}
}

// pump delivers queued notifications in arrival order. While every handler
// slot is taken it waits for one, so later notifications back up in the
// queue and are dropped once it is full; the receive loop is never stalled.
func (d *Dispatcher) pump() {
	defer close(d.pumpDone)
	acquireCtx, cancel := context.WithCancel(d.base)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	for {
		select {
		case q := <-d.queue:
			d.dispatch(acquireCtx, d.base, q.t, q.ev)
		case <-d.stop:
			return
		}
	}
}

// Wait blocks until every started handler has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops the pump, drops queued notifications and waits up to
// grace for running handlers before cancelling their contexts. It reports
// whether every handler finished within grace.
func (d *Dispatcher) Shutdown(grace time.Duration) bool {
	d.stopOnce.Do(func() { close(d.stop) })
	started := true
	d.startOnce.Do(func() { started = false })
	if started {
		<-d.pumpDone
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	drained := true
	select {
	case <-done:
	case <-time.After(grace):
		drained = false
	}
	d.baseCancel()
	return drained
}
