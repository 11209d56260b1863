package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonostr/relaypool/negentropy"
)

// serveRemoteSketch plays the relay side of a session's opening round:
// it answers the client's NEG-OPEN with a NEG-MSG produced by a real
// sketch over {B(200), C(300)}, exercising the wire encode/decode on
// both ends rather than a canned payload.
func serveRemoteSketch(t *testing.T, conn *websocket.Conn, idB, idC string) {
	t.Helper()
	parts := readEnvelope(t, conn)
	require.Equal(t, `"NEG-OPEN"`, string(parts[0]))
	clientPayload, err := negentropy.FromHex(envString(t, parts[3]))
	require.NoError(t, err)

	remote, err := negentropy.New(32, nil)
	require.NoError(t, err)
	bIDBytes, err := negentropy.FromHex(idB)
	require.NoError(t, err)
	cIDBytes, err := negentropy.FromHex(idC)
	require.NoError(t, err)
	require.NoError(t, remote.AddItem(200, bIDBytes))
	require.NoError(t, remote.AddItem(300, cIDBytes))
	require.NoError(t, remote.Seal())

	var have, need []negentropy.Bytes
	next, err := remote.ReconcileWithIDs(clientPayload, &have, &need)
	require.NoError(t, err)
	require.NotNil(t, next, "the remote side must have something to report back on the first round")

	sendArr(t, conn, "NEG-MSG", envString(t, parts[1]), next.Hex())
}

// TestReconcileRoundTrip drives a full bidirectional session against a
// stub relay that runs its own sketch over a different item set: the
// local store holds {A, B}, the simulated remote holds {B, C}, so the
// session must conclude HaveIDs=[A] (ours, not theirs, uploaded and
// OK'd) and NeedIDs=[C] (theirs, not ours, fetched on a dedicated
// subscription), with B recognized as common.
func TestReconcileRoundTrip(t *testing.T) {
	idA := hexID("a", 1)
	idB := hexID("b", 1)
	idC := hexID("c", 1)

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		serveRemoteSketch(t, conn, idB, idC)

		parts := readEnvelope(t, conn) // the upload of A
		require.Equal(t, `"EVENT"`, string(parts[0]))
		sendArr(t, conn, "OK", idA, true, "")

		parts = readEnvelope(t, conn) // the download batch for C
		require.Equal(t, `"REQ"`, string(parts[0]))
		sendArr(t, conn, "EOSE", envString(t, parts[1]))

		readEnvelope(t, conn) // NEG-CLOSE
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	require.NoError(t, store.SaveEvent(context.Background(), &Event{ID: idA, CreatedAt: 100}))
	require.NoError(t, store.SaveEvent(context.Background(), &Event{ID: idB, CreatedAt: 200}))

	result, err := c.Reconcile(context.Background(), NewFilter(), NegentropyOptions{
		InitialTimeout: 2 * time.Second,
		Direction:      NegentropyBoth,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{idA}, result.HaveIDs)
	assert.Equal(t, []string{idC}, result.NeedIDs)
}

// TestReconcileDirectionUpOnly: with an upload-only direction the
// relay-side surplus is neither fetched nor reported — NeedIDs stays
// empty and no download REQ ever goes out.
func TestReconcileDirectionUpOnly(t *testing.T) {
	idA := hexID("a", 1)
	idB := hexID("b", 1)
	idC := hexID("c", 1)

	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		serveRemoteSketch(t, conn, idB, idC)

		parts := readEnvelope(t, conn) // the upload of A
		require.Equal(t, `"EVENT"`, string(parts[0]))
		sendArr(t, conn, "OK", idA, true, "")

		parts = readEnvelope(t, conn) // directly NEG-CLOSE, no REQ
		require.Equal(t, `"NEG-CLOSE"`, string(parts[0]))
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	require.NoError(t, store.SaveEvent(context.Background(), &Event{ID: idA, CreatedAt: 100}))
	require.NoError(t, store.SaveEvent(context.Background(), &Event{ID: idB, CreatedAt: 200}))

	result, err := c.Reconcile(context.Background(), NewFilter(), NegentropyOptions{
		InitialTimeout: 2 * time.Second,
		Direction:      NegentropyUp,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{idA}, result.HaveIDs)
	assert.Empty(t, result.NeedIDs)
}

// TestReconcileUnsupportedNotice covers a relay that doesn't speak
// negentropy at all, signalled by the "bad msg"/"unknown cmd" NOTICE.
func TestReconcileUnsupportedNotice(t *testing.T) {
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // NEG-OPEN
		sendArr(t, conn, "NOTICE", "ERROR: bad msg: unknown cmd NEG-OPEN")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	_, err := c.Reconcile(context.Background(), NewFilter(), DefaultNegentropyOptions())
	assert.Equal(t, ErrNegentropyNotSupported, err)
}

// TestReconcileUnknownErrorNotice covers the narrower NOTICE shape that
// maps to ErrUnknownNegentropyError instead.
func TestReconcileUnknownErrorNotice(t *testing.T) {
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // NEG-OPEN
		sendArr(t, conn, "NOTICE", "restricted: bad msg: invalid message, NEG-OPEN has a bad filter")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	_, err := c.Reconcile(context.Background(), NewFilter(), DefaultNegentropyOptions())
	assert.Equal(t, ErrUnknownNegentropyError, err)
}

// TestSupportNegentropyFalseOnUnsupportedRelay: the probe reports
// false, without error, when the relay answers the NOTICE way.
func TestSupportNegentropyFalseOnUnsupportedRelay(t *testing.T) {
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		readEnvelope(t, conn) // NEG-OPEN
		sendArr(t, conn, "NOTICE", "ERROR: bad msg: unknown cmd NEG-OPEN")
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	supported, err := c.SupportNegentropy(context.Background())
	require.NoError(t, err)
	assert.False(t, supported)
}

// TestSupportNegentropyTrueOnEmptyExchange: a relay that answers the
// probe's NEG-OPEN with an empty NEG-MSG (nothing to reconcile on
// either side) supports the protocol.
func TestSupportNegentropyTrueOnEmptyExchange(t *testing.T) {
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		parts := readEnvelope(t, conn) // NEG-OPEN
		negID := envString(t, parts[1])
		sendArr(t, conn, "NEG-MSG", negID, "")
		readEnvelope(t, conn) // NEG-CLOSE
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	supported, err := c.SupportNegentropy(context.Background())
	require.NoError(t, err)
	assert.True(t, supported)
}

// TestReconcileNegErr covers an explicit NEG-ERR response.
func TestReconcileNegErr(t *testing.T) {
	httpSrv, wsURL := newStubRelay(t, func(conn *websocket.Conn) {
		parts := readEnvelope(t, conn) // NEG-OPEN
		negID := envString(t, parts[1])
		sendArr(t, conn, "NEG-ERR", negID, "RESULTS_TOO_BIG")
		readEnvelope(t, conn) // NEG-CLOSE
	})
	defer httpSrv.Close()

	store := newMemStore()
	c := newTestConnector(store)
	conn := dialClient(t, wsURL)
	closeLoops := attachLoops(t, c, conn)
	defer closeLoops()

	_, err := c.Reconcile(context.Background(), NewFilter(), DefaultNegentropyOptions())
	require.Error(t, err)
	var negErr *NegentropyReconciliationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, "RESULTS_TOO_BIG", negErr.Code)
}
