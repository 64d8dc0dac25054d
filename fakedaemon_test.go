package ariarpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wireRequest is a request as the fake daemon sees it.
type wireRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

func (r wireRequest) param(i int, v any) error {
	return json.Unmarshal(r.Params[i], v)
}

type fakeConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) send(v any) {
	data, _ := json.Marshal(v)
	c.sendRaw(websocket.TextMessage, data)
}

func (c *fakeConn) sendRaw(kind int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(kind, data)
}

func (c *fakeConn) reply(id uint64, result any) {
	c.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (c *fakeConn) fail(id uint64, code int, msg string) {
	c.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}})
}

// fakeDaemon speaks aria2's WebSocket JSON-RPC. handle runs on the
// connection's read goroutine for every request; it answers through c or
// not at all.
type fakeDaemon struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handle   func(c *fakeConn, req wireRequest)

	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	reqs    []wireRequest
	reqSeen chan wireRequest
}

func newFakeDaemon(t *testing.T, handle func(c *fakeConn, req wireRequest)) *fakeDaemon {
	t.Helper()
	f := &fakeDaemon{handle: handle, reqSeen: make(chan wireRequest, 256)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeDaemon) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/jsonrpc"
}

func (f *fakeDaemon) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{ws: ws}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.dials++
	f.mu.Unlock()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.reqs = append(f.reqs, req)
		f.mu.Unlock()
		select {
		case f.reqSeen <- req:
		default:
		}
		if f.handle != nil {
			f.handle(c, req)
		}
	}
}

// broadcast sends v to every open connection.
func (f *fakeDaemon) broadcast(v any) {
	f.mu.Lock()
	conns := append([]*fakeConn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		c.send(v)
	}
}

func (f *fakeDaemon) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (f *fakeDaemon) requests() []wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireRequest(nil), f.reqs...)
}

func (f *fakeDaemon) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// waitRequests blocks until n requests arrived or fails the test.
func (f *fakeDaemon) waitRequests(t *testing.T, n int) []wireRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var got []wireRequest
	for len(got) < n {
		select {
		case r := <-f.reqSeen:
			got = append(got, r)
		case <-deadline:
			t.Fatalf("got %d requests, want %d", len(got), n)
		}
	}
	return got
}

func notification(event, gid string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  event,
		"params":  []any{map[string]any{"gid": gid}},
	}
}
