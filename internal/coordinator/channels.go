package coordinator

import (
	"context"

	"github.com/interview-practice-lab/internal/channel"
)

// Channel is the controller's view of one delivery channel.
type Channel interface {
	IsOpen() bool
	Send(data []byte) bool
	// OnMessage registers fn for inbound payloads and returns its cancel.
	OnMessage(fn func(payload []byte) error) (cancel func())
	// Done is closed once the channel stops receiving, including a remote
	// close.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a channel by name. It must not block on the network.
type Dialer func(ctx context.Context, name, url string) Channel

// DialWebsocket returns a Dialer backed by channel.Open.
func DialWebsocket(opts ...channel.Option) Dialer {
	return func(ctx context.Context, name, url string) Channel {
		return wsChannel{channel.Open(ctx, name, url, opts...)}
	}
}

type wsChannel struct {
	*channel.Conn
}

func (c wsChannel) OnMessage(fn func([]byte) error) func() {
	sub := c.Subscribe(func(m channel.Message) error { return fn(m.Data) })
	return sub.Cancel
}
