package control

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/interview-practice-lab/internal/logging"
)

// ClientWrapper connects to a running coach over websocket and calls its
// control tools.
type ClientWrapper struct {
	client  *sdk.Client
	session *sdk.ClientSession
	stop    context.CancelFunc
}

func NewClientWrapper(name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials rawurl (http and https are rewritten to ws and wss)
// and creates a session.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	sess, err := w.client.Connect(ctx, NewWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	w.session = sess

	keepCtx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(keepCtx, nil)
			}
		}
	}()
	logging.Debugw("control: client connected", "url", u.String())
	return nil
}

// CallTool invokes name and returns the concatenated text content. A tool
// level failure is returned as an error.
func (w *ClientWrapper) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if w.session == nil {
		return "", errors.New("control client not connected")
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := w.session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if text, ok := c.(*sdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%s: %s", name, sb.String())
	}
	return sb.String(), nil
}

func (w *ClientWrapper) Close() error {
	if w.stop != nil {
		w.stop()
	}
	if w.session != nil {
		return w.session.Close()
	}
	return nil
}
