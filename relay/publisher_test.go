package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string, content string) *Event {
	return &Event{
		ID:        id,
		PubKey:    testPubkey,
		CreatedAt: Now(),
		Kind:      1,
		Tags:      Tags{},
		Content:   content,
		Sig:       "deadbeef",
	}
}

func replyOK(t *testing.T, srv *websocket.Conn, id string, accepted bool, reason string) {
	t.Helper()
	sendArr(t, srv, "OK", id, accepted, reason)
}

// TestPublishSingleAccepted covers the single-event accept path.
func TestPublishSingleAccepted(t *testing.T) {
	a := testEvent(hexID("a", 1), "hi")

	srvConn := make(chan *websocket.Conn, 1)
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		srvConn <- conn
		parts := readEnvelope(t, conn)
		require.Equal(t, `"EVENT"`, string(parts[0]))
		replyOK(t, conn, a.ID, true, "")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	err := c.Publish(context.Background(), a, DefaultRelaySendOptions())
	assert.NoError(t, err)
}

// TestPublishSingleRejected covers the single-event reject path,
// returning *EventNotPublishedError.
func TestPublishSingleRejected(t *testing.T) {
	a := testEvent(hexID("b", 1), "hi")

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn)
		replyOK(t, conn, a.ID, false, "blocked: spam")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	err := c.Publish(context.Background(), a, DefaultRelaySendOptions())
	require.Error(t, err)
	var notPub *EventNotPublishedError
	require.ErrorAs(t, err, &notPub)
	assert.Equal(t, "blocked: spam", notPub.Reason)
}

// TestBatchEventPartialPublish is scenario S3: batch publish {A, B};
// relay accepts A and rejects B for insufficient PoW; expect a
// *PartialPublishError naming both outcomes.
func TestBatchEventPartialPublish(t *testing.T) {
	a := testEvent(hexID("c", 1), "a")
	b := testEvent(hexID("c", 2), "b")

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn)
		readEnvelope(t, conn)
		replyOK(t, conn, a.ID, true, "")
		replyOK(t, conn, b.ID, false, "pow: insufficient")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	results, err := c.BatchEvent(context.Background(), []*Event{a, b}, DefaultRelaySendOptions())
	require.Error(t, err)
	var partial *PartialPublishError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{a.ID}, partial.Published)
	assert.Equal(t, map[string]string{b.ID: "pow: insufficient"}, partial.NotPublished)

	require.Contains(t, results, a.ID)
	require.Contains(t, results, b.ID)
	assert.True(t, results[a.ID].Accepted)
	assert.False(t, results[b.ID].Accepted)
}

// TestBatchEventAllRejected covers the all-rejected shape: an
// *EventsNotPublishedError naming every event's reason.
func TestBatchEventAllRejected(t *testing.T) {
	a := testEvent(hexID("d", 1), "a")
	b := testEvent(hexID("d", 2), "b")

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn)
		readEnvelope(t, conn)
		replyOK(t, conn, a.ID, false, "blocked")
		replyOK(t, conn, b.ID, false, "blocked")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	_, err := c.BatchEvent(context.Background(), []*Event{a, b}, DefaultRelaySendOptions())
	require.Error(t, err)
	var allRejected *EventsNotPublishedError
	require.ErrorAs(t, err, &allRejected)
	assert.Len(t, allRejected.Reasons, 2)
}

// TestBatchEventTimeout covers a relay that never answers OK: the call
// must return ErrTimeout once opts.Timeout elapses.
func TestBatchEventTimeout(t *testing.T) {
	a := testEvent(hexID("e", 1), "a")

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn)
		// never reply
		time.Sleep(500 * time.Millisecond)
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	_, err := c.BatchEvent(context.Background(), []*Event{a}, RelaySendOptions{Timeout: 50 * time.Millisecond})
	assert.Equal(t, ErrTimeout, err)
}

// With SkipDisconnected set, a status change to disconnected observed
// mid-wait must fail the publish immediately with
// *EventNotPublishedError instead of hanging until opts.Timeout, even
// though no OK ever arrives. The status transition (normally driven by
// the supervisor noticing a dropped socket) is simulated directly here
// to isolate BatchEvent's own notification-watching behavior.
func TestBatchEventFailsFastOnDisconnectDuringWait(t *testing.T) {
	a := testEvent(hexID("h", 1), "a")

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // EVENT, never replied to
		time.Sleep(2 * time.Second)
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.setStatus(StatusDisconnected)
	}()

	start := time.Now()
	_, err := c.BatchEvent(context.Background(), []*Event{a}, RelaySendOptions{Timeout: 5 * time.Second, SkipDisconnected: true})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "must fail fast on disconnect, not wait for the full timeout")
	var notPub *EventNotPublishedError
	require.ErrorAs(t, err, &notPub)
	assert.Equal(t, ErrNotConnectedStatusChanged.Error(), notPub.Reason)
}

// TestBatchEventEmptyRejected covers the empty-batch guard.
func TestBatchEventEmptyRejected(t *testing.T) {
	store := newMemStore()
	c := newTestConnector(store)

	_, err := c.BatchEvent(context.Background(), nil, DefaultRelaySendOptions())
	assert.Equal(t, ErrBatchEventEmpty, err)
}

// TestBatchEventWriteDisabled covers the write-flag gate.
func TestBatchEventWriteDisabled(t *testing.T) {
	store := newMemStore()
	c := newTestConnector(store, WithFlags(true, false, true))

	a := testEvent(hexID("f", 1), "a")
	_, err := c.BatchEvent(context.Background(), []*Event{a}, DefaultRelaySendOptions())
	assert.Equal(t, ErrWriteDisabled, err)
}

// TestBatchEventNotConnected covers the SkipDisconnected gate: once a
// relay is past its grace attempt with a poor uptime ratio, sending is
// refused outright; without the option the send is attempted anyway
// and times out waiting for OKs that never come.
func TestBatchEventNotConnected(t *testing.T) {
	store := newMemStore()
	c := newTestConnector(store)
	c.stats.NewAttempt()
	c.stats.NewAttempt()

	a := testEvent(hexID("g", 1), "a")
	_, err := c.BatchEvent(context.Background(), []*Event{a}, DefaultRelaySendOptions())
	assert.Equal(t, ErrNotConnected, err)

	_, err = c.BatchEvent(context.Background(), []*Event{a}, RelaySendOptions{Timeout: 20 * time.Millisecond, SkipSendConfirmation: true})
	assert.Equal(t, ErrTimeout, err, "without SkipDisconnected the send goes out and the OK wait times out")
}
