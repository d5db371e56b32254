// ABOUTME: Duplex transport abstraction for the gateway session and its WebSocket implementation.
// ABOUTME: One frame per text message; the session owns the transport exclusively.

package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit = 16 << 20

// Transport moves encoded frames. Read is only called from the session read loop;
// Write calls are serialized by the session.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Transport to the gateway.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocketDialer dials the gateway with github.com/coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial opens a WebSocket connection carrying header on the upgrade request.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
