package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newStubRelay spins up an httptest server speaking raw WebSocket,
// handing each accepted connection to handler. It plays the relay side
// of every protocol conversation under test.
func newStubRelay(t *testing.T, handler func(*websocket.Conn)) (srv *httptest.Server, wsURL string) {
	t.Helper()
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

// dialClient opens a bare client-side connection to wsURL and adapts it
// to socketConn via rawConn, bypassing recws so tests get a
// deterministic, single-shot connection to drive the sender/receiver
// loops directly.
func dialClient(t *testing.T, wsURL string) socketConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return rawConn{conn}
}

// attachLoops starts the sender/receiver loops against conn and marks c
// Connected, the same pairing runConnection performs for a live session.
// The returned func sends a graceful Close command and waits for both
// loops to exit.
func attachLoops(t *testing.T, c *Connector, conn socketConn) func() {
	t.Helper()
	senderDone := make(chan struct{})
	receiverDone := make(chan struct{})
	go c.senderLoop(conn, senderDone)
	go c.receiverLoop(context.Background(), conn, receiverDone)
	c.setStatus(StatusConnected)
	return func() {
		_ = c.sendRelayEvent(outboundCommand{kind: cmdClose})
		<-senderDone
		<-receiverDone
	}
}

// readEnvelope reads and decodes one client->relay frame on the server
// side of a stub relay connection.
func readEnvelope(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &parts))
	return parts
}

func envString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

// marshalEnvelope builds a raw ["COMMAND", subID, payload] frame, the
// shape decodeEnvelope expects.
func marshalEnvelope(cmd string, subID SubscriptionID, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]interface{}{cmd, subID, payload})
}

// sendArr writes one relay->client frame as a JSON array.
func sendArr(t *testing.T, conn *websocket.Conn, v ...interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// rawEventJSON builds a minimal-but-complete wire event payload. sig is
// padded to a plausible length but is never cryptographically checked in
// tests that install AssumeValidVerifier.
func rawEventJSON(t *testing.T, id string, kind int, pubkey string, createdAt int64, tags [][]string, content string) json.RawMessage {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	obj := map[string]interface{}{
		"id":         id,
		"pubkey":     pubkey,
		"created_at": createdAt,
		"kind":       kind,
		"tags":       tags,
		"content":    content,
		"sig":        strings.Repeat("a", 128),
	}
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	return json.RawMessage(b)
}

// hexID returns a deterministic 64-char hex-safe id (decimal digits are
// valid hex digits), optionally prefixed to force leading zero bits for
// PoW tests.
func hexID(prefix string, n int) string {
	body := fmt.Sprintf("%d", n)
	id := prefix + body
	for len(id) < 64 {
		id += "0"
	}
	return id[:64]
}

var testPubkey = strings.Repeat("1", 64)

// memStore is a minimal in-memory EventStore used across the relay
// package's tests.
type memStore struct {
	mu            sync.Mutex
	deletedIDs    map[string]bool
	deletedCoords map[string]Timestamp
	seen          map[string]bool
	saved         map[string]*Event
	seenBy        map[string][]string
	saveCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		deletedIDs:    map[string]bool{},
		deletedCoords: map[string]Timestamp{},
		seen:          map[string]bool{},
		saved:         map[string]*Event{},
		seenBy:        map[string][]string{},
	}
}

func coordKey(c Coordinate) string { return fmt.Sprintf("%d:%s:%s", c.Kind, c.PubKey, c.Identifier) }

func (s *memStore) markCoordDeleted(c Coordinate, since Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedCoords[coordKey(c)] = since
}

func (s *memStore) markIDDeleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedIDs[id] = true
}

func (s *memStore) HasEventIDBeenDeleted(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedIDs[id], nil
}

func (s *memStore) HasCoordinateBeenDeleted(ctx context.Context, coord Coordinate, since Timestamp) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.deletedCoords[coordKey(coord)]
	if !ok {
		return false, nil
	}
	return since <= ts, nil
}

func (s *memStore) HasEventAlreadyBeenSeen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id], nil
}

func (s *memStore) HasEventAlreadyBeenSaved(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[id]
	return ok, nil
}

func (s *memStore) EventIDSeen(ctx context.Context, id string, relayURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = true
	s.seenBy[id] = append(s.seenBy[id], relayURL)
	return nil
}

func (s *memStore) SaveEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[e.ID] = e
	s.saveCalls++
	return nil
}

func (s *memStore) EventByID(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id], nil
}

func (s *memStore) Query(ctx context.Context, filters []Filter, order Order) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.saved))
	for _, e := range s.saved {
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) NegentropyItems(ctx context.Context, filter Filter) ([]NegentropyItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NegentropyItem, 0, len(s.saved))
	for id, e := range s.saved {
		out = append(out, NegentropyItem{ID: id, Timestamp: e.CreatedAt})
	}
	return out, nil
}

func newTestConnector(store EventStore, opts ...RelayOption) *Connector {
	c := New("ws://stub.invalid", store, NewRelayOptions(opts...))
	c.SetVerifier(AssumeValidVerifier{})
	return c
}
