package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/recws-org/recws"
	"golang.org/x/net/proxy"
)

// socketConn is the minimal surface the sender/receiver loops need from
// the underlying WebSocket connection. dial wraps recws.RecConn in
// recConnAdapter to satisfy it; tests substitute a bare *websocket.Conn
// wrapper.
type socketConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// rawConn adapts a bare *websocket.Conn (no auto-reconnect) to
// socketConn, used by tests that dial a single httptest server once.
type rawConn struct{ *websocket.Conn }

// recConnAdapter adapts *recws.RecConn to socketConn: RecConn.Close()
// returns no error, so it doesn't satisfy socketConn on its own.
type recConnAdapter struct{ *recws.RecConn }

func (r recConnAdapter) Close() error {
	r.RecConn.Close()
	return nil
}

func (r rawConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return r.Conn.WriteControl(messageType, data, deadline)
}

// dial opens (or, via recws, maintains) the WebSocket connection for
// this connector's URL, honoring RelayOptions.Proxy. The very first
// attempt honors the caller's own timeout (the ctx deadline passed to
// Connect); every later attempt falls back to the fixed
// defaultConnectTimeout.
func (c *Connector) dial(ctx context.Context) (socketConn, error) {
	rc := &recws.RecConn{
		KeepAliveTimeout: PingInterval + 10*time.Second,
		RecIntvlMin:      time.Duration(c.opts.RetrySec()) * time.Second,
	}

	if p := c.opts.Proxy(); p != nil {
		// recws dials through gorilla/websocket, which resolves proxy
		// URLs with x/net/proxy. Build the dialer once here so a bad
		// proxy URL surfaces as a structured error instead of being
		// swallowed by recws's background dial loop.
		if _, err := proxy.FromURL(p, proxy.Direct); err != nil {
			return nil, wrapErr(KindConnect, "build proxy dialer", err)
		}
		rc.Proxy = http.ProxyURL(p)
	}

	header := http.Header{}
	rc.Dial(c.url, header)

	timeout := defaultConnectTimeout
	if c.stats.Attempts() <= 1 {
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until > 0 {
				timeout = until
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for !rc.IsConnected() {
		// Close any socket recws managed to establish so an abandoned
		// attempt doesn't keep a live connection behind the
		// supervisor's back.
		if c.isScheduledForStop() || c.isScheduledForTermination() || ctx.Err() != nil {
			rc.Close()
			return nil, ErrNotConnected
		}
		if time.Now().After(deadline) {
			rc.Close()
			return nil, ErrTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}

	return recConnAdapter{rc}, nil
}
