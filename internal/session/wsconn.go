package session

import (
	"context"

	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSConn adapts a websocket connection to Conn.
type WSConn struct {
	conn *websocket.Conn
}

func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{conn: c}
}

func (w *WSConn) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, w.conn, env)
}

func (w *WSConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
