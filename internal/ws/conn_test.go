package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newConnTestServer registers each accepted connection with the hub under
// the id given in the "id" query parameter and reads until it closes.
func newConnTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	var counter atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			id = "conn-" + string(rune('a'-1+counter.Add(1)))
		}
		client := &Client{conn: conn, id: id, userID: "tester"}
		connCtx := hub.register(client)
		if connCtx.Err() != nil {
			return
		}
		defer hub.unregister(client)

		for {
			if _, _, err := conn.Read(connCtx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnManagerAddRemove(t *testing.T) {
	cm := NewConnManager()
	hub := NewHub(WithConnManager(cm))
	ts := newConnTestServer(t, hub)

	conn := dialWS(t, ts.URL+"?id=c1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "registration", func() bool { return cm.Count() == 1 })
	client := cm.Get("c1")
	if client == nil {
		t.Fatal("expected client c1 to be registered")
	}
	if client.send == nil {
		t.Fatal("expected send channel to be initialized")
	}

	cm.Remove(client)
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}
	if cm.Get("c1") != nil {
		t.Fatal("expected c1 to be gone after remove")
	}
	if cm.Send(client, []byte("late")) {
		t.Fatal("send to a removed client should fail")
	}
}

func TestConnManagerSend(t *testing.T) {
	hub := NewHub()
	ts := newConnTestServer(t, hub)

	conn := dialWS(t, ts.URL+"?id=c1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "registration", func() bool { return hub.ConnMgr().Get("c1") != nil })

	if !hub.ConnMgr().Send(hub.ConnMgr().Get("c1"), []byte(`{"type":"user-left","payload":{}}`)) {
		t.Fatal("send should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != `{"type":"user-left","payload":{}}` {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestConnManagerSendBufferFull(t *testing.T) {
	cm := NewConnManager()

	// No socket is needed, only the queue.
	client := &Client{id: "slow-consumer", send: make(chan outbound, sendBufferSize)}
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.mu.Lock()
	cm.clients[client] = &connEntry{cancel: cancel}
	cm.byID[client.id] = client
	cm.mu.Unlock()

	for i := 0; i < sendBufferSize; i++ {
		if !cm.Send(client, []byte("msg")) {
			t.Fatalf("send %d should have succeeded", i)
		}
	}
	if cm.Send(client, []byte("overflow")) {
		t.Fatal("expected send to fail when buffer is full")
	}
	if got := cm.Stats().DroppedMessages; got != 1 {
		t.Fatalf("expected 1 dropped message, got %d", got)
	}
}

func TestConnManagerConcurrentSend(t *testing.T) {
	hub := NewHub()
	ts := newConnTestServer(t, hub)

	const numClients = 5
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dialWS(t, ts.URL)
		defer conns[i].Close(websocket.StatusNormalClosure, "")
	}
	waitFor(t, "registration", func() bool { return hub.ConnMgr().Count() == numClients })

	hub.ConnMgr().mu.Lock()
	clients := make([]*Client, 0, numClients)
	for c := range hub.ConnMgr().clients {
		clients = append(clients, c)
	}
	hub.ConnMgr().mu.Unlock()

	// Stay within the send buffer so nothing is dropped.
	const numMessages = 10
	var wg sync.WaitGroup
	for i := 0; i < numMessages; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, c := range clients {
				hub.ConnMgr().Send(c, []byte(`{"type":"signal","payload":null}`))
			}
		}()
	}
	wg.Wait()

	for ci, conn := range conns {
		for mi := 0; mi < numMessages; mi++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _, err := conn.Read(ctx)
			cancel()
			if err != nil {
				t.Fatalf("client %d: read message %d error: %v", ci, mi, err)
			}
		}
	}
}

func TestConnManagerCloseAfterQueued(t *testing.T) {
	hub := NewHub()
	ts := newConnTestServer(t, hub)

	conn := dialWS(t, ts.URL+"?id=c1")
	defer conn.CloseNow()
	waitFor(t, "registration", func() bool { return hub.ConnMgr().Get("c1") != nil })

	c := hub.ConnMgr().Get("c1")
	hub.ConnMgr().Send(c, []byte("first"))
	hub.ConnMgr().Send(c, []byte("second"))
	hub.ConnMgr().Close(c, "done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []string{"first", "second"} {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		if string(data) != want {
			t.Fatalf("expected %s, got %s", want, data)
		}
	}
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after queued frames, got %v", err)
	}
}

func TestConnManagerMaxConns(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))
	hub := NewHub(WithConnManager(cm))
	ts := newConnTestServer(t, hub)

	first := dialWS(t, ts.URL+"?id=c1")
	defer first.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "first registration", func() bool { return cm.Count() == 1 })

	second := dialWS(t, ts.URL+"?id=c2")
	defer second.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Fatalf("expected StatusTryAgainLater, got %v", err)
	}
	if stats := cm.Stats(); stats.Rejected != 1 || stats.Active != 1 || stats.MaxConns != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestConnManagerReapIdle(t *testing.T) {
	cm := NewConnManager(WithIdleTimeout(time.Minute))
	hub := NewHub(WithConnManager(cm))
	ts := newConnTestServer(t, hub)

	conn := dialWS(t, ts.URL+"?id=c1")
	defer conn.CloseNow()
	waitFor(t, "registration", func() bool { return cm.Count() == 1 })

	cm.reapIdle(time.Now())
	if cm.Count() != 1 {
		t.Fatal("fresh connection should not be reaped")
	}

	cm.reapIdle(time.Now().Add(2 * time.Minute))
	if cm.Count() != 0 {
		t.Fatalf("expected idle connection to be reaped, got %d", cm.Count())
	}
	if cm.Stats().IdleReaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", cm.Stats().IdleReaped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected StatusPolicyViolation, got %v", err)
	}
}

func TestConnManagerShutdown(t *testing.T) {
	hub := NewHub()
	ts := newConnTestServer(t, hub)

	conn := dialWS(t, ts.URL)
	defer conn.CloseNow()
	waitFor(t, "registration", func() bool { return hub.ConnMgr().Count() == 1 })

	// Read concurrently so the close handshake can complete.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(context.Background())
		readErr <- err
	}()

	hub.ConnMgr().Shutdown()

	if hub.ConnMgr().Count() != 0 {
		t.Fatalf("expected 0 connections after shutdown, got %d", hub.ConnMgr().Count())
	}
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected read to fail after shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed by shutdown")
	}
}

func TestConnManagerShutdownRejectsNew(t *testing.T) {
	cm := NewConnManager()
	cm.Shutdown()

	rejected := make(chan bool, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := cm.Add(&Client{conn: conn, id: "late"})
		select {
		case <-ctx.Done():
			rejected <- true
		default:
			rejected <- false
		}
	}))
	defer ts.Close()

	wsConn := dialWS(t, ts.URL)
	defer wsConn.CloseNow()

	select {
	case ok := <-rejected:
		if !ok {
			t.Fatal("expected context to be cancelled for rejected client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after shutdown, got %d", cm.Count())
	}
}

func TestConnManagerDoubleRemove(t *testing.T) {
	cm := NewConnManager()

	client := &Client{id: "test-double", send: make(chan outbound, sendBufferSize)}
	_, cancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	cm.clients[client] = &connEntry{cancel: cancel}
	cm.byID[client.id] = client
	cm.mu.Unlock()

	cm.Remove(client)
	if cm.Count() != 0 {
		t.Fatalf("expected 0, got %d", cm.Count())
	}

	// Second remove is a no-op.
	cm.Remove(client)
}
