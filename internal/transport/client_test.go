package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs handler for every accepted websocket connection and returns
// the ws:// base URL clients should dial.
func wsServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) (string, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv
}

// holdOpen keeps a server-side connection alive until the client goes away.
func holdOpen(conn *websocket.Conn, _ *http.Request) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{SessionID: "dash-1"})
	if !errors.Is(err, model.ErrUserIDRequired) {
		t.Errorf("expected ErrUserIDRequired, got %v", err)
	}

	_, err = NewClient(Options{UserID: "user-1"})
	if !errors.Is(err, model.ErrSessionIDRequired) {
		t.Errorf("expected ErrSessionIDRequired, got %v", err)
	}

	if _, err := NewClient(Options{UserID: "user-1", SessionID: "dash-1", URL: "ws://localhost/api/collab"}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestEndpointURL(t *testing.T) {
	client, err := NewClient(Options{
		URL:       "ws://localhost:8080/api/collab",
		UserID:    "user-1",
		SessionID: "dash one",
		UserName:  "Sarah",
		Avatar:    "https://example.com/s.png",
	})
	if err != nil {
		t.Fatal(err)
	}

	endpoint := client.endpoint()
	if !strings.HasPrefix(endpoint, "ws://localhost:8080/api/collab/dash%20one?") {
		t.Errorf("unexpected endpoint path: %s", endpoint)
	}
	for _, want := range []string{"userId=user-1", "userName=Sarah", "avatar=https%3A%2F%2Fexample.com%2Fs.png"} {
		if !strings.Contains(endpoint, want) {
			t.Errorf("endpoint %s missing %s", endpoint, want)
		}
	}
}

func TestConnectIdempotent(t *testing.T) {
	var dials int32
	base, _ := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		holdOpen(conn, r)
	})

	client, err := NewClient(Options{URL: base + "/api/collab", UserID: "user-1", SessionID: "dash-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var connected int32
	client.On(EventConnected, func(Event) { atomic.AddInt32(&connected, 1) })

	client.Connect()
	client.Connect()
	client.Connect()

	waitFor(t, 2*time.Second, client.IsConnected)
	// Give a second dial time to surface if one was ever started.
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("expected exactly one dial, got %d", got)
	}
	if got := atomic.LoadInt32(&connected); got != 1 {
		t.Errorf("expected exactly one connected event, got %d", got)
	}
}

func TestConnectAnnouncesJoin(t *testing.T) {
	frames := make(chan []byte, 8)
	base, _ := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	})

	client, err := NewClient(Options{
		URL:       base + "/api/collab",
		UserID:    "user-1",
		SessionID: "dash-1",
		UserName:  "Sarah",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.Connect()

	select {
	case msg := <-frames:
		env, err := protocol.ParseEnvelope(msg)
		if err != nil {
			t.Fatalf("server received malformed frame: %v", err)
		}
		ev, err := env.Presence()
		if err != nil {
			t.Fatalf("first frame was not presence: %v", err)
		}
		if ev.Type != protocol.PresenceEventJoin || ev.UserID != "user-1" || ev.UserName != "Sarah" {
			t.Errorf("unexpected join announcement: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no join announcement received")
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	base, _ := wsServer(t, holdOpen)

	client, err := NewClient(Options{URL: base + "/api/collab", UserID: "user-1", SessionID: "dash-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		client.On(EventConnected, func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	client.Connect()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("handlers ran out of order: %v", order)
		}
	}
}

func TestIncomingEventsDispatched(t *testing.T) {
	base, _ := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Drain the client's join announcement first so our writes follow it.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		cursor, _ := protocol.EncodeCursor("user-2", "dash-1", 10, 20)
		conn.WriteMessage(websocket.TextMessage, cursor)
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		join, _ := protocol.EncodeJoin("user-2", "dash-1", "Marcus", "")
		conn.WriteMessage(websocket.TextMessage, join)
		holdOpen(conn, nil)
	})

	client, err := NewClient(Options{URL: base + "/api/collab", UserID: "user-1", SessionID: "dash-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	collab := make(chan *protocol.CollabEvent, 4)
	presence := make(chan *protocol.PresenceEvent, 4)
	client.On(EventCollaboration, func(ev Event) { collab <- ev.Collaboration })
	client.On(EventPresence, func(ev Event) { presence <- ev.Presence })
	client.Connect()

	select {
	case ev := <-collab:
		pos, err := ev.Cursor()
		if err != nil {
			t.Fatalf("cursor payload: %v", err)
		}
		if ev.UserID != "user-2" || pos.X != 10 || pos.Y != 20 {
			t.Errorf("unexpected cursor event: user %s at (%v, %v)", ev.UserID, pos.X, pos.Y)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no collaboration event dispatched")
	}

	// The malformed frame in between must have been dropped, not surfaced
	// and not fatal to the connection.
	select {
	case ev := <-presence:
		if ev.Type != protocol.PresenceEventJoin || ev.UserName != "Marcus" {
			t.Errorf("unexpected presence event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no presence event dispatched after malformed frame")
	}
}

func TestCursorThrottle(t *testing.T) {
	var received int32
	base, _ := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.ParseEnvelope(msg)
			if err != nil {
				continue
			}
			if env.Type == protocol.MessageTypeCollaboration {
				atomic.AddInt32(&received, 1)
			}
		}
	})

	client, err := NewClient(Options{
		URL:         base + "/api/collab",
		UserID:      "user-1",
		SessionID:   "dash-1",
		CursorRate:  rate.Limit(1),
		CursorBurst: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Connect()
	waitFor(t, 2*time.Second, client.IsConnected)

	for i := 0; i < 50; i++ {
		client.SendCursorPosition(float64(i), float64(i))
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&received) >= 3 })
	time.Sleep(100 * time.Millisecond)

	// Burst of 3 plus at most a fraction of a token refilled while sending.
	if got := atomic.LoadInt32(&received); got > 4 {
		t.Errorf("throttle let %d cursor events through, want at most 4", got)
	}
}

func TestCloseAnnouncesLeave(t *testing.T) {
	leaves := make(chan *protocol.PresenceEvent, 1)
	base, _ := wsServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.ParseEnvelope(msg)
			if err != nil {
				continue
			}
			if ev, err := env.Presence(); err == nil && ev.Type == protocol.PresenceEventLeave {
				leaves <- ev
			}
		}
	})

	client, err := NewClient(Options{URL: base + "/api/collab", UserID: "user-1", SessionID: "dash-1", UserName: "Sarah"})
	if err != nil {
		t.Fatal(err)
	}
	client.Connect()
	waitFor(t, 2*time.Second, client.IsConnected)

	client.Close()

	select {
	case ev := <-leaves:
		if ev.UserID != "user-1" {
			t.Errorf("leave announced for wrong user: %s", ev.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave announcement on close")
	}

	if client.IsConnected() {
		t.Error("client still reports connected after Close")
	}
}

func TestCloseDuringDialDiscardsConnection(t *testing.T) {
	var live int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow handshake so Close can land while the dial is in flight.
		time.Sleep(300 * time.Millisecond)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&live, 1)
		defer atomic.AddInt32(&live, -1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, err := NewClient(Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/collab",
		UserID:    "user-1",
		SessionID: "dash-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	var connected int32
	client.On(EventConnected, func(Event) { atomic.AddInt32(&connected, 1) })

	client.Connect()
	time.Sleep(50 * time.Millisecond)
	client.Close()

	// Let the delayed dial complete and the discarded connection drain.
	time.Sleep(500 * time.Millisecond)

	if client.IsConnected() {
		t.Error("client reports connected after Close")
	}
	if got := atomic.LoadInt32(&connected); got != 0 {
		t.Errorf("connected event fired %d time(s) after Close", got)
	}
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&live) == 0 })
}

func TestRedialEmitsReconnecting(t *testing.T) {
	var conns int32
	base, _ := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		if atomic.AddInt32(&conns, 1) == 1 {
			// Hold the first connection briefly, then drop it to force a
			// redial.
			time.Sleep(300 * time.Millisecond)
			conn.Close()
			return
		}
		holdOpen(conn, r)
	})

	client, err := NewClient(Options{URL: base + "/api/collab", UserID: "user-1", SessionID: "dash-1"})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reconnects := make(chan int, 8)
	var connected int32
	client.On(EventReconnecting, func(ev Event) { reconnects <- ev.Attempt })
	client.On(EventConnected, func(Event) { atomic.AddInt32(&connected, 1) })

	client.Connect()

	// The initial connect must not surface a reconnecting affordance.
	select {
	case attempt := <-reconnects:
		t.Fatalf("reconnecting (attempt %d) emitted during initial connect", attempt)
	case <-time.After(100 * time.Millisecond):
	}

	// After the server drops us, even the first redial must surface one.
	select {
	case attempt := <-reconnects:
		if attempt != 1 {
			t.Errorf("expected first redial to report attempt 1, got %d", attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnecting event after connection drop")
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&connected) >= 2 })
}

func TestUnreachableServerEmitsError(t *testing.T) {
	client, err := NewClient(Options{
		URL:        "ws://127.0.0.1:1/api/collab",
		UserID:     "user-1",
		SessionID:  "dash-1",
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	errs := make(chan error, 1)
	reconnects := make(chan int, 8)
	client.On(EventError, func(ev Event) { errs <- ev.Err })
	client.On(EventReconnecting, func(ev Event) { reconnects <- ev.Attempt })
	client.Connect()

	select {
	case err := <-errs:
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %T: %v", err, err)
		}
		if connErr.Reason != ErrorReasonUnreachable {
			t.Errorf("expected unreachable, got %s", connErr.Reason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal error emitted")
	}

	select {
	case attempt := <-reconnects:
		if attempt < 2 {
			t.Errorf("reconnecting attempts are 1-based from the second try, got %d", attempt)
		}
	default:
		t.Error("no reconnecting event before the terminal error")
	}
}

func TestRejectedHandshakeIsPermanent(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/collab",
		UserID:     "user-1",
		SessionID:  "dash-1",
		MaxRetries: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	errs := make(chan error, 1)
	client.On(EventError, func(ev Event) { errs <- ev.Err })
	client.Connect()

	select {
	case err := <-errs:
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("expected ConnectionError, got %T: %v", err, err)
		}
		if connErr.Reason != ErrorReasonUnauthorized {
			t.Errorf("expected unauthorized, got %s", connErr.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal error emitted")
	}

	// A 403 must not be retried.
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("expected a single handshake attempt, got %d", got)
	}
}

func TestRegistrySharesClients(t *testing.T) {
	registry := NewRegistry()
	opts := Options{URL: "ws://localhost/api/collab", UserID: "user-1", SessionID: "dash-1"}

	first, err := registry.Acquire(opts)
	if err != nil {
		t.Fatal(err)
	}
	second, err := registry.Acquire(opts)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same key should return the same client")
	}
	if registry.Len() != 1 {
		t.Errorf("expected one entry, got %d", registry.Len())
	}

	other, err := registry.Acquire(Options{URL: "ws://localhost/api/collab", UserID: "user-1", SessionID: "dash-2"})
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Error("different session should get its own client")
	}
	if registry.Len() != 2 {
		t.Errorf("expected two entries, got %d", registry.Len())
	}
}

func TestRegistryReleaseIsRefCounted(t *testing.T) {
	registry := NewRegistry()
	opts := Options{URL: "ws://localhost/api/collab", UserID: "user-1", SessionID: "dash-1"}

	client, err := registry.Acquire(opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Acquire(opts); err != nil {
		t.Fatal(err)
	}

	registry.Release(client)
	if registry.Len() != 1 {
		t.Error("first release should keep the shared client alive")
	}

	registry.Release(client)
	if registry.Len() != 0 {
		t.Error("last release should remove the entry")
	}

	// A released pointer is inert.
	registry.Release(client)
	if registry.Len() != 0 {
		t.Errorf("expected empty registry, got %d entries", registry.Len())
	}

	fresh, err := registry.Acquire(opts)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == client {
		t.Error("acquire after full release should build a new client")
	}
}
