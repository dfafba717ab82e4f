package httpapi

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla/websocket connection to podserver.Transport.
// gorilla/websocket has no native context support, so cancellation is
// implemented with a deadline pushed onto the connection before each
// blocking call; Close() unblocks any read in progress.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, raw []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, raw)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
