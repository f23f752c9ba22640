// Package channel implements the two bidirectional delivery channels
// (transcript and expression) as websocket connections whose transport state
// is observed rather than driven: there is no reconnect and no send queue.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interview-practice-lab/internal/logging"
	"github.com/interview-practice-lab/internal/metrics"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 4 * 1024 * 1024
)

// State is the observed transport state of a channel.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Message is one inbound websocket message.
type Message struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Handler consumes inbound messages. A returned error is reported through
// the connection's error hook; it does not close the channel.
type Handler func(Message) error

// ErrorHandler receives handler failures and transport errors.
type ErrorHandler func(name string, err error)

// Option configures a Conn.
type Option func(*Conn)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithErrorHandler installs a hook for handler and transport errors.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *Conn) { c.onError = fn }
}

// WithStateHandler installs a hook called on every state transition.
func WithStateHandler(fn func(State)) Option {
	return func(c *Conn) { c.onState = fn }
}

type subscriber struct {
	id uint64
	h  Handler
}

// Conn is one channel connection. Create it with Open; it is never reused
// across recording sessions.
type Conn struct {
	name string
	url  string

	dialer  *websocket.Dialer
	onError ErrorHandler
	onState func(State)

	state atomic.Int32

	connMu  sync.Mutex
	ws      *websocket.Conn
	closing bool

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates the channel in the Connecting state and dials url in the
// background. It never blocks on the network. The connection outlives ctx's
// cancellation; only Close tears it down.
func Open(ctx context.Context, name, url string, opts ...Option) *Conn {
	c := &Conn{
		name:   name,
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.state.Store(int32(StateConnecting))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx)
	return c
}

// Name returns the channel name (transcript or expression).
func (c *Conn) Name() string { return c.name }

// URL returns the endpoint address.
func (c *Conn) URL() string { return c.url }

// State returns the current transport state.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsOpen reports whether sends are currently accepted.
func (c *Conn) IsOpen() bool { return c.State() == StateOpen }

// Done is closed once the connection has stopped reading, for whatever reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if c.isClosing() {
			c.transition(StateClosed)
			return
		}
		c.reportError(err)
		c.transition(StateFailed)
		return
	}

	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		_ = ws.Close()
		c.transition(StateClosed)
		return
	}
	c.ws = ws
	c.connMu.Unlock()

	ws.SetReadLimit(maxMessageSize)
	c.transition(StateOpen)
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case c.isClosing():
				c.transition(StateClosed)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.transition(StateClosed)
			default:
				c.reportError(err)
				c.transition(StateFailed)
			}
			return
		}
		c.dispatch(Message{Type: mt, Data: data})
	}
}

func (c *Conn) dispatch(msg Message) {
	c.subsMu.RLock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		logging.Debugw("channel: inbound message without subscriber discarded", append(logging.ChannelFields(c.name, ""), "bytes", len(msg.Data))...)
		return
	}
	for _, s := range subs {
		if err := s.h(msg); err != nil {
			c.reportError(err)
		}
	}
}

// Send writes data as one binary message if the channel is open. Sends on a
// channel in any other state are dropped and reported as false; a write
// error moves the channel to Failed.
func (c *Conn) Send(data []byte) bool {
	if c.State() != StateOpen {
		metrics.RecordChannelSend(c.name, metrics.StatusDropped)
		return false
	}
	c.connMu.Lock()
	ws := c.ws
	c.connMu.Unlock()
	if ws == nil {
		metrics.RecordChannelSend(c.name, metrics.StatusDropped)
		return false
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	_ = ws.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()

	if err != nil {
		if !c.isClosing() {
			c.reportError(err)
			c.transition(StateFailed)
		}
		metrics.RecordChannelSend(c.name, metrics.StatusDropped)
		return false
	}
	metrics.RecordChannelSend(c.name, metrics.StatusSent)
	return true
}

// Subscribe registers h for every subsequent inbound message.
func (c *Conn) Subscribe(h Handler) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: c.nextSub, h: h})
	return &Subscription{conn: c, id: c.nextSub}
}

func (c *Conn) unsubscribe(id uint64) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// Close discards the channel: aborts a pending dial or sends a close frame,
// then closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		return nil
	}
	c.closing = true
	ws := c.ws
	c.connMu.Unlock()

	c.cancel()

	var err error
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if cerr := ws.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	}
	c.transition(StateClosed)
	return err
}

func (c *Conn) isClosing() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closing
}

// transition moves to next unless the current state is terminal or the move
// would go backwards.
func (c *Conn) transition(next State) {
	for {
		cur := State(c.state.Load())
		if cur == next || cur.Terminal() {
			return
		}
		if next == StateOpen && cur != StateConnecting {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			break
		}
	}
	logging.Infow("channel: state changed", append(logging.ChannelFields(c.name, c.url), "state", next.String())...)
	if c.onState != nil {
		c.onState(next)
	}
}

func (c *Conn) reportError(err error) {
	logging.Warnw("channel: error", append(logging.ChannelFields(c.name, c.url), "err", err)...)
	if c.onError != nil {
		c.onError(c.name, err)
	}
}

// Subscription is a cancellable inbound-message registration.
type Subscription struct {
	conn *Conn
	id   uint64
	once sync.Once
}

// Cancel removes the handler. Safe to call more than once and on nil.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.conn.unsubscribe(s.id) })
}
