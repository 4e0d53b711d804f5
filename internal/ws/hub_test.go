package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/velocode/internal/protocol"
	"github.com/manpreetbhatti/velocode/internal/ratelimit"
)

const readTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestHub(t *testing.T, opts Options) (*Hub, func()) {
	t.Helper()

	opts.Logger = testLogger()
	hub := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	return hub, func() {
		cancel()
		<-hub.done
	}
}

func setupTestServer(t *testing.T, opts Options) (*Hub, string, func()) {
	t.Helper()

	hub, stopHub := setupTestHub(t, opts)
	srv := httptest.NewServer(NewServer(hub, []string{"*"}, ratelimit.DefaultConfig()))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	return hub, url, func() {
		srv.Close()
		stopHub()
	}
}

// Simulates a browser client for testing
type TestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *TestClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	return &TestClient{t: t, conn: conn}
}

func (c *TestClient) emit(kind protocol.Kind, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		c.t.Fatalf("Failed to encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

// expect reads until a frame of the given kind arrives
func (c *TestClient) expect(kind protocol.Kind) protocol.Message {
	c.t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		c.conn.SetReadDeadline(deadline)
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("Waiting for %s: %v", kind, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.t.Fatalf("Bad frame %s: %v", frame, err)
		}
		if msg.Event == kind {
			return msg
		}
	}
}

// expectNone asserts no frame of the given kind arrives within d
func (c *TestClient) expectNone(kind protocol.Kind, d time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for {
		c.conn.SetReadDeadline(deadline)
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if json.Unmarshal(frame, &msg) == nil && msg.Event == kind {
			c.t.Errorf("Unexpected %s: %s", kind, frame)
			return
		}
	}
}

// join sends a join and returns the connection ID the server assigned
func (c *TestClient) join(roomID, name string) string {
	c.t.Helper()
	c.emit(protocol.KindJoin, protocol.JoinPayload{RoomID: roomID, Username: name})
	for {
		msg := c.expect(protocol.KindJoined)
		var p protocol.JoinedPayload
		json.Unmarshal(msg.Data, &p)
		if p.Username == name {
			return p.SocketID
		}
	}
}

func (c *TestClient) close() {
	c.conn.Close()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(Options{Logger: testLogger()})
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.GetRoomCount() != 0 {
		t.Errorf("Expected 0 rooms, got %d", hub.GetRoomCount())
	}
	if hub.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.GetClientCount())
	}
	if len(hub.GetActiveRooms()) != 0 {
		t.Errorf("Expected no active rooms, got %v", hub.GetActiveRooms())
	}
}

func TestJoinAndCodeChange(t *testing.T) {
	hub, url, cleanup := setupTestServer(t, Options{})
	defer cleanup()

	alice := dial(t, url)
	defer alice.close()
	bob := dial(t, url)
	defer bob.close()

	aliceID := alice.join("r1", "Alice")
	bobID := bob.join("r1", "Bob")

	// Alice learns about Bob through the same broadcast Bob got
	msg := alice.expect(protocol.KindJoined)
	var joined protocol.JoinedPayload
	json.Unmarshal(msg.Data, &joined)
	if joined.SocketID != bobID || len(joined.Clients) != 2 {
		t.Errorf("Unexpected join notice: %+v", joined)
	}

	alice.emit(protocol.KindCodeChange, protocol.CodeChangePayload{RoomID: "r1", Code: "print(1)"})

	msg = bob.expect(protocol.KindCodeChange)
	var change protocol.CodeChangePayload
	json.Unmarshal(msg.Data, &change)
	if change.Code != "print(1)" {
		t.Errorf("Expected print(1), got %q", change.Code)
	}
	alice.expectNone(protocol.KindCodeChange, 100*time.Millisecond)

	members := hub.Members("r1")
	if len(members) != 2 || members[0].SocketID != aliceID || members[1].SocketID != bobID {
		t.Errorf("Expected [alice bob] in join order, got %+v", members)
	}
	if hub.GetActiveRooms()["r1"] != 2 {
		t.Errorf("Expected 2 members in r1, got %v", hub.GetActiveRooms())
	}
}

func TestSyncCodeOnJoin(t *testing.T) {
	_, url, cleanup := setupTestServer(t, Options{})
	defer cleanup()

	alice := dial(t, url)
	defer alice.close()
	bob := dial(t, url)
	defer bob.close()
	carol := dial(t, url)
	defer carol.close()

	alice.join("r1", "Alice")
	bob.join("r1", "Bob")
	alice.expect(protocol.KindJoined) // Bob's

	carolID := carol.join("r1", "Carol")

	// Existing members answer the join notice with their buffers
	for _, member := range []*TestClient{alice, bob} {
		msg := member.expect(protocol.KindJoined)
		var p protocol.JoinedPayload
		json.Unmarshal(msg.Data, &p)
		if p.SocketID != carolID {
			t.Fatalf("Expected notice for carol, got %+v", p)
		}
		member.emit(protocol.KindSyncCode, protocol.SyncCodePayload{SocketID: p.SocketID, Code: "X"})
	}

	msg := carol.expect(protocol.KindCodeChange)
	var change protocol.CodeChangePayload
	json.Unmarshal(msg.Data, &change)
	if change.Code != "X" {
		t.Errorf("Expected X, got %q", change.Code)
	}
}

func TestLanguageAnnouncedWhenEnabled(t *testing.T) {
	_, url, cleanup := setupTestServer(t, Options{AnnounceLanguage: true})
	defer cleanup()

	alice := dial(t, url)
	defer alice.close()
	carol := dial(t, url)
	defer carol.close()

	alice.join("r1", "Alice")
	alice.emit(protocol.KindLanguageChange, protocol.LanguagePayload{RoomID: "r1", Language: "python"})

	// Give the hub a moment to apply the change before carol joins
	time.Sleep(50 * time.Millisecond)
	carol.join("r1", "Carol")

	msg := carol.expect(protocol.KindCurrentLanguage)
	var p protocol.LanguagePayload
	json.Unmarshal(msg.Data, &p)
	if p.Language != "python" {
		t.Errorf("Expected python, got %q", p.Language)
	}
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	hub, url, cleanup := setupTestServer(t, Options{})
	defer cleanup()

	alice := dial(t, url)
	defer alice.close()
	bob := dial(t, url)

	alice.join("r1", "Alice")
	bobID := bob.join("r1", "Bob")
	bob.close()

	msg := alice.expect(protocol.KindDisconnected)
	var p protocol.DisconnectedPayload
	json.Unmarshal(msg.Data, &p)
	if p.SocketID != bobID || p.Username != "Bob" {
		t.Errorf("Expected departure of Bob, got %+v", p)
	}

	waitFor(t, "bob to be unregistered", func() bool { return hub.GetClientCount() == 1 })
	if got := hub.Members("r1"); len(got) != 1 {
		t.Errorf("Expected only alice left, got %+v", got)
	}

	alice.close()
	waitFor(t, "room to close", func() bool { return hub.GetRoomCount() == 0 })
	if _, ok := hub.Language("r1"); ok {
		t.Error("Closed room should have no language")
	}
}

func TestInvalidFrameIsContained(t *testing.T) {
	_, url, cleanup := setupTestServer(t, Options{})
	defer cleanup()

	alice := dial(t, url)
	defer alice.close()
	bob := dial(t, url)
	defer bob.close()

	alice.join("r1", "Alice")
	bob.join("r1", "Bob")

	alice.conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	alice.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"code-change","data":{"code":"no room"}}`))
	alice.emit(protocol.KindCodeChange, protocol.CodeChangePayload{RoomID: "r1", Code: "fine"})

	msg := bob.expect(protocol.KindCodeChange)
	var change protocol.CodeChangePayload
	json.Unmarshal(msg.Data, &change)
	if change.Code != "fine" {
		t.Errorf("Expected the valid change only, got %q", change.Code)
	}
}

func TestSlowClientIsEvicted(t *testing.T) {
	hub, cleanup := setupTestHub(t, Options{})
	defer cleanup()

	slow := &Client{hub: hub, id: "slow", send: make(chan []byte, 1), rooms: make(map[string]struct{})}
	fast := &Client{hub: hub, id: "fast", send: make(chan []byte, 16), rooms: make(map[string]struct{})}
	hub.register <- slow
	hub.register <- fast

	join := func(c *Client, name string) {
		frame, _ := protocol.Encode(protocol.KindJoin, protocol.JoinPayload{RoomID: "r1", Username: name})
		msg, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		hub.inbound <- &Inbound{Client: c, Message: msg}
	}

	// slow's buffer fills with its own join notice; fast's join overflows it
	join(slow, "Slow")
	join(fast, "Fast")

	kinds := make([]protocol.Kind, 0, 2)
	timeout := time.After(readTimeout)
	for len(kinds) < 2 {
		select {
		case frame := <-fast.send:
			var msg protocol.Message
			json.Unmarshal(frame, &msg)
			kinds = append(kinds, msg.Event)
		case <-timeout:
			t.Fatalf("Timed out, got %v", kinds)
		}
	}
	if kinds[0] != protocol.KindJoined || kinds[1] != protocol.KindDisconnected {
		t.Errorf("Expected [joined disconnected], got %v", kinds)
	}

	<-slow.send // its own join notice
	if _, ok := <-slow.send; ok {
		t.Error("Evicted client's send channel should be closed")
	}
	if hub.GetClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.GetClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("Origin %q: expected %v, got %v", tt.origin, tt.want, got)
		}
	}

	if originChecker(nil) != nil {
		t.Error("Empty allow-list should fall back to the default same-host check")
	}
}
