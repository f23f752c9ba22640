package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// wsTransport carries the control tools over one websocket: the /mcp/ws
// endpoint after Upgrade, and coach ctl after Dial.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established control websocket.
func NewWebSocketTransport(conn *websocket.Conn) sdk.Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Connect(context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn}, nil
}

// wsConnection frames one JSON-RPC message per binary websocket message.
// Tool replies and keepalive pings may write concurrently.
type wsConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("control: decode message from %s: %w", w.conn.RemoteAddr(), err)
	}
	return msg, nil
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("control: encode message: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer w.conn.SetWriteDeadline(time.Time{})
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("control: write to %s: %w", w.conn.RemoteAddr(), err)
	}
	return nil
}

func (w *wsConnection) Close() error { return w.conn.Close() }

// SessionID is empty: a control connection is its own session.
func (w *wsConnection) SessionID() string { return "" }
