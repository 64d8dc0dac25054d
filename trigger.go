package ariarpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 2 * time.Second
	closeWait               = 2 * time.Second
)

var errDrainTimeout = errors.New("ariarpc: notification handlers still running after close")

// State is the lifecycle state of a Trigger's connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Trigger is one persistent WebSocket connection to an aria2 daemon. It
// multiplexes correlated calls and lifecycle notifications. A Trigger may be
// re-opened after the connection is lost; once closed it stays closed.
type Trigger struct {
	url     string
	dialer  *websocket.Dialer
	header  http.Header
	token   string
	timeout time.Duration
	retry   RetryPolicy
	redial  bool

	store        *Store
	registry     *Registry
	dispatcher   *Dispatcher
	dispatchOpts []DispatcherOption
	logger       *zap.Logger
	metrics      *Metrics
	optErr       error

	state atomic.Int32

	// openMu serializes Open so a redial from several retrying calls dials once.
	openMu sync.Mutex

	// mu guards the current connection and the session that owns its calls.
	mu       sync.Mutex
	conn     *websocket.Conn
	session  string
	loopDone chan struct{}

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Trigger)

// WithStore makes the trigger correlate through s, which may be shared with
// other triggers.
func WithStore(s *Store) Option {
	return func(t *Trigger) {
		if s != nil {
			t.store = s
		}
	}
}

// WithRegistry makes the trigger dispatch to handlers held in r.
func WithRegistry(r *Registry) Option {
	return func(t *Trigger) {
		if r != nil {
			t.registry = r
		}
	}
}

// WithRedial lets a call re-open a lost connection before it is sent,
// including its first attempt.
func WithRedial(enabled bool) Option { return func(t *Trigger) { t.redial = enabled } }

// WithToken sets the RPC secret sent with every aria2.* call.
func WithToken(token string) Option { return func(t *Trigger) { t.token = token } }

// WithTimeout bounds each wait for a correlated response. Zero waits until
// the call's context is done.
func WithTimeout(d time.Duration) Option { return func(t *Trigger) { t.timeout = d } }

func WithRetry(p RetryPolicy) Option { return func(t *Trigger) { t.retry = p } }

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Trigger) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithHeader adds HTTP headers to the opening handshake.
func WithHeader(h http.Header) Option { return func(t *Trigger) { t.header = h.Clone() } }

func WithLogger(logger *zap.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics registers the trigger's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(t *Trigger) {
		m, err := NewMetrics(reg)
		if err != nil {
			t.optErr = multierr.Append(t.optErr, fmt.Errorf("ariarpc: register metrics: %w", err))
			return
		}
		t.metrics = m
	}
}

// WithDispatcherOptions tunes the notification dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) Option {
	return func(t *Trigger) { t.dispatchOpts = append(t.dispatchOpts, opts...) }
}

// New validates rawURL and prepares a Trigger without connecting. The URL
// must use the ws or wss scheme; a timeout query parameter ("10s" or "10")
// sets the response timeout and is stripped before dialing.
func New(rawURL string, opts ...Option) (*Trigger, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ariarpc: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("ariarpc: missing host")
	}
	t := &Trigger{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		timeout: defaultCallTimeout,
		retry:   DefaultRetryPolicy(),
		logger:  zap.NewNop(),
	}
	q := u.Query()
	if v := q.Get("timeout"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return nil, fmt.Errorf("ariarpc: bad timeout: %w", err)
		}
		t.timeout = d
		q.Del("timeout")
		u.RawQuery = q.Encode()
	}
	t.url = u.String()
	for _, opt := range opts {
		opt(t)
	}
	if t.optErr != nil {
		return nil, t.optErr
	}
	if t.store == nil {
		t.store = NewStore()
	}
	if t.registry == nil {
		t.registry = NewRegistry()
	}
	t.logger = t.logger.With(zap.String("url", t.url))
	dopts := []DispatcherOption{WithDispatchLogger(t.logger), WithDispatchMetrics(t.metrics)}
	t.dispatcher = NewDispatcher(t.registry, append(dopts, t.dispatchOpts...)...)
	return t, nil
}

// Dial creates a Trigger and opens its connection.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Trigger, error) {
	t, err := New(rawURL, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Open(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func (t *Trigger) State() State { return State(t.state.Load()) }

func (t *Trigger) URL() string { return t.url }

func (t *Trigger) Store() *Store { return t.store }

func (t *Trigger) Registry() *Registry { return t.registry }

// Open performs the WebSocket handshake and starts the receive loop. A
// failed handshake leaves the trigger disconnected and is not retried.
// Opening an open trigger is a no-op.
func (t *Trigger) Open(ctx context.Context) error {
	t.openMu.Lock()
	defer t.openMu.Unlock()
	if !t.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		switch t.State() {
		case StateOpen:
			return nil
		default:
			return &ConnectionError{Op: "open", URL: t.url, Err: ErrConnectionClosed}
		}
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		t.logger.Warn("handshake failed", zap.Error(err))
		return &ConnectionError{Op: "dial", URL: t.url, Err: err}
	}

	session := uuid.NewString()
	done := make(chan struct{})
	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		t.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: "open", URL: t.url, Err: ErrConnectionClosed}
	}
	t.conn, t.session, t.loopDone = conn, session, done
	t.mu.Unlock()

	t.logger.Info("connection open", zap.String("session", session))
	go t.readLoop(conn, session, done)
	return nil
}

// Done returns a channel that is closed when the receive loop of the
// current connection exits, after a loss or Close. It is already closed
// when no connection was ever opened.
func (t *Trigger) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loopDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return t.loopDone
}

func (t *Trigger) current() (*websocket.Conn, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.session
}

func (t *Trigger) readLoop(conn *websocket.Conn, session string, done chan struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.lost(conn, session, err)
			return
		}
		if kind != websocket.TextMessage {
			t.logger.Debug("skipping non-text message", zap.Int("type", kind))
			continue
		}
		t.route(data)
	}
}

// lost retires conn after a receive failure. When Close already took the
// connection over there is nothing left to do.
func (t *Trigger) lost(conn *websocket.Conn, session string, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state.CompareAndSwap(int32(StateOpen), int32(StateDisconnected))
	t.mu.Unlock()

	_ = conn.Close()
	n := t.store.FailOwner(session, ErrConnectionLost)
	t.logger.Warn("connection lost",
		zap.String("session", session),
		zap.Int("failed_calls", n),
		zap.Error(cause))
}

// route hands one inbound message to the store or the dispatcher. Neither
// path blocks.
func (t *Trigger) route(data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		t.metrics.observeProtocolError()
		t.logger.Warn("dropping inbound frame", zap.Error(err), zap.ByteString("payload", truncate(data, 256)))
		return
	}
	switch f.Kind {
	case FrameResponse:
		r := Result{Value: f.Result}
		if f.Err != nil {
			r.Err = f.Err
		}
		if !t.store.Resolve(f.ID, r) {
			t.logger.Debug("duplicate response ignored", zap.Uint64("id", f.ID))
		}
	case FrameNotification:
		ev := decodeEvent(f)
		t.metrics.observeNotification(ev.Method)
		t.dispatcher.enqueue(t, ev)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// Send writes one request envelope on the current connection. It does not
// wait for a response.
func (t *Trigger) Send(ctx context.Context, r Request) error {
	conn, _ := t.current()
	if conn == nil {
		return &ConnectionError{Op: "send", URL: t.url, Err: ErrNotOpen}
	}
	payload, err := EncodeRequest(r)
	if err != nil {
		return fmt.Errorf("ariarpc: encode %s: %w", r.Method, err)
	}
	return t.write(ctx, conn, payload)
}

func (t *Trigger) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// The receive loop notices the closed socket and fails pending calls.
		_ = conn.Close()
		return &ConnectionError{Op: "write", URL: t.url, Err: err}
	}
	return nil
}

// Call is Invoke with variadic params.
func (t *Trigger) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return t.Invoke(ctx, method, params)
}

// Invoke sends method and waits for its correlated response. A call that
// times out is re-sent with the same id under the retry policy; remote
// errors and connection failures are returned as they are.
func (t *Trigger) Invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if s := t.State(); s == StateClosing || s == StateClosed {
		return nil, &ConnectionError{Op: "call", URL: t.url, Err: ErrConnectionClosed}
	}
	id, err := t.store.NextID()
	if err != nil {
		return nil, err
	}
	payload, err := EncodeRequest(newRequest(id, method, applyToken(t.token, method, params)))
	if err != nil {
		return nil, fmt.Errorf("ariarpc: encode %s: %w", method, err)
	}
	log := t.logger.With(zap.String("method", method), zap.Uint64("id", id))

	rs := newRetryState(t.retry)
	for {
		rs.attempts++
		if t.redial && t.State() == StateDisconnected {
			if err := t.Open(ctx); err != nil {
				t.metrics.observeCall(outcomeConnection)
				return nil, err
			}
		}
		raw, err := t.attempt(ctx, id, payload)
		if err == nil {
			t.metrics.observeCall(outcomeOK)
			return raw, nil
		}
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.metrics.observeCall(outcome(err))
			return nil, err
		}
		if s := t.State(); s == StateClosing || s == StateClosed {
			t.metrics.observeCall(outcomeConnection)
			return nil, &ConnectionError{Op: "call", URL: t.url, Err: ErrConnectionClosed}
		}
		wait, ok := rs.next()
		if !ok {
			t.metrics.observeCall(outcomeTimeout)
			return nil, &TimeoutError{ID: id, Method: method, Attempts: rs.attempts, After: rs.elapsed()}
		}
		t.metrics.observeRetry()
		log.Info("response timed out, retrying", zap.Int("attempt", rs.attempts), zap.Duration("wait", wait))
		if err := sleep(ctx, wait); err != nil {
			t.metrics.observeCall(outcomeCanceled)
			return nil, err
		}
	}
}

// attempt registers id under the current session, writes payload and
// awaits the response once.
func (t *Trigger) attempt(ctx context.Context, id ID, payload []byte) (json.RawMessage, error) {
	conn, session := t.current()
	if conn == nil {
		return nil, &ConnectionError{Op: "send", URL: t.url, Err: ErrNotOpen}
	}
	t.store.Register(id, session)
	t.metrics.addPending(1)
	defer t.metrics.addPending(-1)
	// Close may have failed this session's slots before the one above existed.
	if s := t.State(); s == StateClosing || s == StateClosed {
		t.store.forget(id)
		return nil, &ConnectionError{Op: "send", URL: t.url, Err: ErrConnectionClosed}
	}
	if err := t.write(ctx, conn, payload); err != nil {
		t.store.forget(id)
		return nil, err
	}
	raw, err := t.store.Await(ctx, id, t.timeout)
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrConnectionClosed) {
		return nil, &ConnectionError{Op: "await", URL: t.url, Err: err}
	}
	return raw, err
}

func outcome(err error) string {
	var re *RemoteError
	switch {
	case errors.As(err, &re):
		return outcomeRemote
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCanceled
	default:
		return outcomeConnection
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register subscribes h to the notification named event.
func (t *Trigger) Register(event string, h Handler) Handle {
	return t.registry.Register(event, h)
}

// Unregister removes a subscription. Deliveries already started still run.
func (t *Trigger) Unregister(h Handle) bool {
	return t.registry.Unregister(h)
}

// Close stops the receive loop, fails every pending call of the current
// connection with ErrConnectionClosed and waits briefly for running
// notification handlers. It is safe to call more than once.
func (t *Trigger) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.close() })
	return t.closeErr
}

func (t *Trigger) close() error {
	t.mu.Lock()
	t.state.Store(int32(StateClosing))
	conn, session, done := t.conn, t.session, t.loopDone
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = multierr.Append(err, conn.Close())
	}
	// The socket is closed first so no call can still be written after its
	// slot was failed.
	if session != "" {
		if n := t.store.FailOwner(session, ErrConnectionClosed); n > 0 {
			t.logger.Info("failed pending calls on close", zap.Int("calls", n))
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(closeWait):
			t.logger.Warn("receive loop did not exit in time")
		}
	}
	if !t.dispatcher.Shutdown(closeWait) {
		err = multierr.Append(err, errDrainTimeout)
	}
	t.state.Store(int32(StateClosed))
	t.logger.Info("connection closed")
	return err
}
