package ariarpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFake(t *testing.T, f *fakeDaemon, opts ...Option) *Trigger {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, f.URL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTriggerAddURIResolves(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		if req.Method == MethodAddURI {
			c.reply(req.ID, "job-42")
		}
	})
	tr := dialFake(t, f)
	require.Equal(t, StateOpen, tr.State())

	raw, err := tr.Call(context.Background(), MethodAddURI, []string{"http://x"})
	require.NoError(t, err)
	assert.JSONEq(t, `"job-42"`, string(raw))

	reqs := f.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "2.0", reqs[0].JSONRPC)
	assert.Equal(t, uint64(1), reqs[0].ID)
	var uris []string
	require.NoError(t, reqs[0].param(0, &uris))
	assert.Equal(t, []string{"http://x"}, uris)
	assert.Zero(t, tr.Store().Len())
}

func TestTriggerSendsToken(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) { c.reply(req.ID, "OK") })
	tr := dialFake(t, f, WithToken("s3cret"))

	_, err := tr.Call(context.Background(), MethodPause, "2089b05ecca3d829")
	require.NoError(t, err)
	_, err = tr.Call(context.Background(), MethodListMethods)
	require.NoError(t, err)

	reqs := f.requests()
	require.Len(t, reqs, 2)
	var token, gid string
	require.NoError(t, reqs[0].param(0, &token))
	require.NoError(t, reqs[0].param(1, &gid))
	assert.Equal(t, "token:s3cret", token)
	assert.Equal(t, "2089b05ecca3d829", gid)
	assert.Empty(t, reqs[1].Params)
}

func TestTriggerCloseFailsPendingCallsPromptly(t *testing.T) {
	f := newFakeDaemon(t, nil)
	store := NewStore()
	for i := 0; i < 6; i++ {
		_, err := store.NextID()
		require.NoError(t, err)
	}
	tr := dialFake(t, f, WithStore(store), WithTimeout(10*time.Second))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := tr.Call(context.Background(), MethodTellStatus, "gid")
			errs <- err
		}()
	}
	reqs := f.waitRequests(t, 2)
	ids := []uint64{reqs[0].ID, reqs[1].ID}
	assert.ElementsMatch(t, []uint64{7, 8}, ids)

	start := time.Now()
	require.NoError(t, tr.Close())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionClosed)
			require.ErrorIs(t, err, ErrConnection)
		case <-time.After(time.Second):
			t.Fatal("pending call did not fail after close")
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateClosed, tr.State())
	assert.Zero(t, store.Len())
}

func TestTriggerServerDropDisconnects(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f, WithTimeout(10*time.Second))

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), MethodGetVersion)
		errc <- err
	}()
	f.waitRequests(t, 1)
	f.dropAll()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrConnectionLost)
		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after the connection dropped")
	}
	require.Eventually(t, func() bool { return tr.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	_, err := tr.Call(context.Background(), MethodGetVersion)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestTriggerRetriesAfterTimeout(t *testing.T) {
	var seen atomic.Int32
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		if seen.Add(1) == 2 {
			c.reply(req.ID, "OK")
		}
	})
	reg := prometheus.NewRegistry()
	tr := dialFake(t, f,
		WithTimeout(100*time.Millisecond),
		WithRetry(RetryPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 3}),
		WithMetrics(reg))

	raw, err := tr.Call(context.Background(), MethodSaveSession)
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(raw))

	reqs := f.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].ID, reqs[1].ID, "a retry re-sends the same envelope")
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.calls.WithLabelValues(outcomeOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(tr.metrics.pending))
}

func TestTriggerRetryIsBounded(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f,
		WithTimeout(30*time.Millisecond),
		WithRetry(RetryPolicy{Interval: 5 * time.Millisecond, MaxAttempts: 3}))

	_, err := tr.Call(context.Background(), MethodGetGlobalStat)
	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, MethodGetGlobalStat, te.Method)
	assert.Len(t, f.requests(), 3)
	assert.Zero(t, tr.Store().Len())
}

func TestTriggerRetryElapsedBound(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f,
		WithTimeout(40*time.Millisecond),
		WithRetry(RetryPolicy{Interval: 40 * time.Millisecond, MaxElapsed: 150 * time.Millisecond}))

	start := time.Now()
	_, err := tr.Call(context.Background(), MethodGetGlobalStat)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.LessOrEqual(t, len(f.requests()), 3)
}

func TestTriggerRemoteErrorIsNotRetried(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		c.fail(req.ID, 1, "Unauthorized")
	})
	tr := dialFake(t, f, WithTimeout(100*time.Millisecond))

	_, err := tr.Call(context.Background(), MethodGetVersion)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Code)
	assert.Equal(t, "Unauthorized", re.Message)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.requests(), 1)
}

func TestTriggerSkipsMalformedFrames(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		c.sendRaw(websocket.BinaryMessage, []byte{0x01, 0x02})
		c.sendRaw(websocket.TextMessage, []byte("not json"))
		c.sendRaw(websocket.TextMessage, []byte(`{"jsonrpc":"2.0"}`))
		c.sendRaw(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"aria2.onDownloadStart"}`))
		c.reply(req.ID, "OK")
	})
	reg := prometheus.NewRegistry()
	tr := dialFake(t, f, WithMetrics(reg))

	raw, err := tr.Call(context.Background(), MethodPurgeDownloadResult)
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(raw))
	assert.Equal(t, StateOpen, tr.State())
	assert.Equal(t, 3.0, testutil.ToFloat64(tr.metrics.protocolErrors))
}

func TestTriggerDuplicateResponseHasNoEffect(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		c.reply(req.ID, "first")
		c.reply(req.ID, "second")
	})
	tr := dialFake(t, f)

	raw, err := tr.Call(context.Background(), MethodGetVersion)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(raw))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, tr.Store().Len())
}

func TestTriggerNotificationsReachEveryHandler(t *testing.T) {
	f := newFakeDaemon(t, nil)
	reg := prometheus.NewRegistry()
	tr := dialFake(t, f, WithMetrics(reg))

	var slowDone atomic.Bool
	fast := make(chan Event, 1)
	slow := make(chan Event, 1)
	tr.Register(EventDownloadComplete, func(ctx context.Context, _ *Trigger, ev Event) error {
		time.Sleep(300 * time.Millisecond)
		slowDone.Store(true)
		slow <- ev
		return nil
	})
	tr.Register(EventDownloadComplete, func(ctx context.Context, _ *Trigger, ev Event) error {
		fast <- ev
		return nil
	})

	f.broadcast(notification(EventDownloadComplete, "2089b05ecca3d829"))

	select {
	case ev := <-fast:
		assert.Equal(t, "2089b05ecca3d829", ev.GID)
		assert.False(t, slowDone.Load(), "the fast handler waited for the slow one")
	case <-time.After(time.Second):
		t.Fatal("fast handler not invoked")
	}
	select {
	case ev := <-slow:
		assert.Equal(t, EventDownloadComplete, ev.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler not invoked")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.notifications.WithLabelValues(EventDownloadComplete)))
}

func TestTriggerUnsubscribedNotificationIsDropped(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) { c.reply(req.ID, "OK") })
	tr := dialFake(t, f)

	f.broadcast(notification(EventDownloadPause, "abc"))
	_, err := tr.Call(context.Background(), MethodGetVersion)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, tr.State())
}

func TestTriggerHandlerCanCallBack(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		var gid string
		_ = req.param(0, &gid)
		c.reply(req.ID, map[string]string{"gid": gid, "status": "complete"})
	})
	tr := dialFake(t, f)

	got := make(chan Status, 1)
	tr.Register(EventDownloadComplete, func(ctx context.Context, tr *Trigger, ev Event) error {
		st, err := NewClient(tr).TellStatus(ctx, ev.GID, "gid", "status")
		if err != nil {
			return err
		}
		got <- st
		return nil
	})
	f.broadcast(notification(EventDownloadComplete, "cafe"))

	select {
	case st := <-got:
		assert.Equal(t, Status{GID: "cafe", Status: "complete"}, st)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not get its status")
	}
}

func TestTriggerRedialsAfterLoss(t *testing.T) {
	var seen atomic.Int32
	var f *fakeDaemon
	f = newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		if seen.Add(1) == 1 {
			// stay silent, then drop the connection while the caller backs off
			go func() {
				time.Sleep(150 * time.Millisecond)
				f.dropAll()
			}()
			return
		}
		c.reply(req.ID, "OK")
	})
	tr := dialFake(t, f,
		WithRedial(true),
		WithTimeout(100*time.Millisecond),
		WithRetry(RetryPolicy{Interval: 300 * time.Millisecond, MaxAttempts: 2}))

	raw, err := tr.Call(context.Background(), MethodSaveSession)
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(raw))
	assert.Equal(t, 2, f.dialCount())
	assert.Equal(t, StateOpen, tr.State())
}

func TestTriggerSharedStoreKeepsOwnership(t *testing.T) {
	store := NewStore()
	quiet := newFakeDaemon(t, nil)
	var release sync.WaitGroup
	release.Add(1)
	slowOK := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
		go func() {
			release.Wait()
			c.reply(req.ID, "OK")
		}()
	})
	a := dialFake(t, quiet, WithStore(store), WithTimeout(5*time.Second))
	b := dialFake(t, slowOK, WithStore(store), WithTimeout(5*time.Second))

	aErr := make(chan error, 1)
	bErr := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), MethodGetVersion)
		aErr <- err
	}()
	go func() {
		_, err := b.Call(context.Background(), MethodGetVersion)
		bErr <- err
	}()
	ra := quiet.waitRequests(t, 1)
	rb := slowOK.waitRequests(t, 1)
	assert.NotEqual(t, ra[0].ID, rb[0].ID, "a shared store hands out distinct ids")

	quiet.dropAll()
	select {
	case err := <-aErr:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("call on the dropped connection did not fail")
	}
	select {
	case err := <-bErr:
		t.Fatalf("call on the healthy connection ended early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release.Done()
	require.NoError(t, <-bErr)
}

func TestTriggerOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	rawURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := New(rawURL)
	require.NoError(t, err)

	err = tr.Open(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
	assert.Equal(t, StateDisconnected, tr.State())

	srv.Close()
	_, err = Dial(context.Background(), rawURL)
	require.ErrorIs(t, err, ErrConnection)
}

func TestTriggerCloseIsIdempotent(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, StateClosed, tr.State())

	_, err := tr.Call(context.Background(), MethodGetVersion)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, tr.Open(context.Background()), ErrConnectionClosed)

	never, err := New(f.URL())
	require.NoError(t, err)
	require.NoError(t, never.Close())
	assert.Equal(t, StateClosed, never.State())
}

func TestTriggerCallHonoursContext(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f, WithTimeout(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Call(ctx, MethodGetVersion)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, tr.Store().Len())
}

func TestNewTriggerURL(t *testing.T) {
	tr, err := New("ws://localhost:6800/jsonrpc?timeout=5")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tr.timeout)
	assert.Equal(t, "ws://localhost:6800/jsonrpc", tr.URL())

	tr, err = New("wss://example.org/jsonrpc?timeout=250ms", WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Second, tr.timeout, "options win over the query")

	_, err = New("http://localhost:6800/jsonrpc")
	require.Error(t, err)
	_, err = New("ws:///jsonrpc")
	require.Error(t, err)
	_, err = New("ws://localhost:6800/jsonrpc?timeout=soon")
	require.Error(t, err)
}

func TestNewTriggerRejectsConflictingMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ariarpc",
		Subsystem: "trigger",
		Name:      "retries_total",
		Help:      "not a counter",
	})))
	_, err := New("ws://localhost:6800/jsonrpc", WithMetrics(reg))
	require.Error(t, err)

	// two triggers on one registry share collectors
	shared := prometheus.NewRegistry()
	a, err := New("ws://localhost:6800/jsonrpc", WithMetrics(shared))
	require.NoError(t, err)
	b, err := New("ws://localhost:6800/jsonrpc", WithMetrics(shared))
	require.NoError(t, err)
	a.metrics.observeRetry()
	b.metrics.observeRetry()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.retries))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestTriggerRedialsOnFirstAttempt(t *testing.T) {
	f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) { c.reply(req.ID, "OK") })
	tr := dialFake(t, f, WithRedial(true), WithRetry(NoRetry()))

	f.dropAll()
	require.Eventually(t, func() bool { return tr.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	raw, err := tr.Call(context.Background(), MethodGetVersion)
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(raw))
	assert.Equal(t, 2, f.dialCount())
	assert.Equal(t, StateOpen, tr.State())
}

func TestTriggerAttemptAfterCloseBegan(t *testing.T) {
	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f, WithTimeout(5*time.Second))

	id, err := tr.Store().NextID()
	require.NoError(t, err)
	payload, err := EncodeRequest(newRequest(id, MethodGetVersion, nil))
	require.NoError(t, err)

	// Close has flagged the trigger but not yet taken the connection away.
	tr.state.Store(int32(StateClosing))
	start := time.Now()
	_, err = tr.attempt(context.Background(), id, payload)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, tr.Store().Has(id))
	assert.Empty(t, f.requests(), "nothing is written once closing")
}

func TestTriggerDone(t *testing.T) {
	never, err := New("ws://localhost:6800/jsonrpc")
	require.NoError(t, err)
	select {
	case <-never.Done():
	default:
		t.Fatal("Done of a never opened trigger is not closed")
	}

	f := newFakeDaemon(t, nil)
	tr := dialFake(t, f)
	select {
	case <-tr.Done():
		t.Fatal("Done closed while the connection is open")
	default:
	}

	f.dropAll()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the connection was lost")
	}
	assert.Equal(t, StateDisconnected, tr.State())
}
