package ariarpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRace_ResolveVersusFailOwner races responses against a lost connection
// failing the same slots. Every awaiter must return exactly once.
func TestRace_ResolveVersusFailOwner(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewStore()
		const n = 32
		ids := make([]ID, n)
		for j := range ids {
			id, err := s.NextID()
			if err != nil {
				t.Fatal(err)
			}
			ids[j] = id
			s.Register(id, "session")
		}

		var wg sync.WaitGroup
		var returned atomic.Int32
		for _, id := range ids {
			wg.Add(1)
			go func(id ID) {
				defer wg.Done()
				_, _ = s.Await(context.Background(), id, time.Second)
				returned.Add(1)
			}(id)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				s.Resolve(id, Result{Value: json.RawMessage(`"OK"`)})
			}
		}()
		go func() {
			defer wg.Done()
			s.FailOwner("session", ErrConnectionLost)
		}()
		wg.Wait()

		if got := returned.Load(); got != n {
			t.Fatalf("iteration %d: %d of %d awaiters returned", i, got, n)
		}
		if s.Pending("session") != 0 {
			t.Fatalf("iteration %d: pending slots left behind", i)
		}
	}
}

// TestRace_RegisterDuringDispatch registers and unregisters handlers while
// notifications are being fanned out.
func TestRace_RegisterDuringDispatch(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r, WithMaxInFlight(4))
	defer d.Shutdown(time.Second)

	var invoked atomic.Int64
	h := func(context.Context, *Trigger, Event) error {
		invoked.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			handle := r.Register(EventDownloadStart, h)
			if i%2 == 0 {
				r.Unregister(handle)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.Dispatch(context.Background(), nil, Event{Method: EventDownloadStart})
			d.enqueue(nil, Event{Method: EventDownloadStart})
		}
	}()
	wg.Wait()
	d.Wait()

	if got := r.Len(EventDownloadStart); got != 100 {
		t.Fatalf("registry holds %d handlers, want 100", got)
	}
}

// TestRace_CloseDuringCalls closes a trigger while callers are sending and
// notifications are arriving.
func TestRace_CloseDuringCalls(t *testing.T) {
	for i := 0; i < 10; i++ {
		func() {
			f := newFakeDaemon(t, func(c *fakeConn, req wireRequest) {
				if req.ID%2 == 0 {
					c.reply(req.ID, "OK")
				}
				c.send(notification(EventDownloadStart, "cafe"))
			})
			tr, err := Dial(context.Background(), f.URL(), WithTimeout(50*time.Millisecond), WithRetry(NoRetry()))
			if err != nil {
				t.Fatal(err)
			}
			tr.Register(EventDownloadStart, func(ctx context.Context, tr *Trigger, ev Event) error {
				_, err := tr.Call(ctx, MethodTellStatus, ev.GID)
				return err
			})

			var wg sync.WaitGroup
			for j := 0; j < 8; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for k := 0; k < 10; k++ {
						_, _ = tr.Call(context.Background(), MethodGetVersion)
					}
				}()
			}
			time.Sleep(20 * time.Millisecond)
			_ = tr.Close()
			wg.Wait()

			if tr.State() != StateClosed {
				t.Fatalf("state %s after close", tr.State())
			}
		}()
	}
}
