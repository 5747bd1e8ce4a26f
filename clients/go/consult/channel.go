package consult

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultSendBuffer   = 64
	writeWait           = 10 * time.Second
)

// FrameSender is anything that can put a frame on the wire.
type FrameSender interface {
	Send(f Frame) error
}

// ChannelConfig holds connection parameters for one room.
type ChannelConfig struct {
	Endpoint     string // WebSocket base URL, e.g. "ws://localhost:8080"
	RoomID       string
	Token        string // sent as the WebSocket subprotocol, never in frames
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	SendBuffer   int
	History      *History // shared across reconnects; created when nil
	Handler      func(Event)
	Logger       zerolog.Logger
}

// Channel owns the single bidirectional connection of a room. Inbound frames
// are decoded and delivered to the handler one at a time, in arrival order,
// from a single goroutine.
type Channel struct {
	cfg     ChannelConfig
	conn    *websocket.Conn
	history *History
	log     zerolog.Logger

	sendCh chan []byte
	done   chan struct{}

	open       atomic.Bool
	localClose atomic.Bool
	closeOnce  sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the room and starts the read and write loops.
func Dial(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.History == nil {
		cfg.History = NewHistory()
	}

	dialer := websocket.DefaultDialer
	if cfg.Dialer != nil {
		dialer = cfg.Dialer
	}
	d := *dialer
	d.Subprotocols = []string{cfg.Token}

	target := roomURL(cfg.Endpoint, cfg.RoomID)
	conn, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c := &Channel{
		cfg:     cfg,
		conn:    conn,
		history: cfg.History,
		log:     cfg.Logger.With().Str("room", cfg.RoomID).Logger(),
		sendCh:  make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	c.open.Store(true)

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

func roomURL(endpoint, roomID string) string {
	return strings.TrimRight(endpoint, "/") + "/ws/chat/" + url.PathEscape(roomID) + "/"
}

// RoomID returns the room this channel belongs to.
func (c *Channel) RoomID() string { return c.cfg.RoomID }

// History returns the confirmed history fed by this channel.
func (c *Channel) History() *History { return c.history }

// IsOpen reports whether frames can currently be sent.
func (c *Channel) IsOpen() bool { return c.open.Load() }

// Done is closed once the connection is gone.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the connection went away; nil while open or after Close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send queues f for transmission without blocking. It fails with
// ErrNotConnected when the channel is not open or its queue is full.
func (c *Channel) Send(f Frame) error {
	if !c.open.Load() {
		c.log.Debug().Msg("send on closed channel dropped")
		return ErrNotConnected
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		c.log.Warn().Int("buffer", cap(c.sendCh)).Msg("send queue full, frame dropped")
		return ErrNotConnected
	}
}

// Close releases the connection after flushing queued frames. It is safe to
// call more than once.
func (c *Channel) Close() error {
	c.terminate(true, nil)
	return nil
}

// terminate marks the channel closed once. cause is recorded only for remote
// failures and is visible before Done is closed. A local close leaves the
// socket to the write loop so queued frames still go out.
func (c *Channel) terminate(local bool, cause error) {
	c.closeOnce.Do(func() {
		c.localClose.Store(local)
		c.open.Store(false)
		if !local {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
		}
		close(c.done)
		if !local {
			_ = c.conn.Close()
		}
	})
}

func (c *Channel) deliver(ev Event) {
	if c.cfg.Handler != nil {
		c.cfg.Handler(ev)
	}
}

func (c *Channel) readLoop() {
	pongWait := c.cfg.PingInterval * 5 / 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.deliver(OpenedEvent{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.terminate(false, err)
			cause := c.Err()
			if cause != nil {
				c.log.Warn().Err(cause).Msg("connection lost")
			}
			c.deliver(ClosedEvent{Err: cause})
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		switch e := ev.(type) {
		case HistoryEvent:
			added := c.history.Merge(e.Messages)
			c.log.Debug().Int("received", len(e.Messages)).Int("added", added).Msg("history loaded")
		case MessageEvent:
			if c.history.IsTailDuplicate(e.Message) || !c.history.Append(e.Message) {
				c.log.Debug().
					Str("sender", e.Message.SenderID).
					Time("ts", e.Message.Timestamp).
					Msg("duplicate message dropped")
				continue
			}
		}
		c.deliver(ev)
	}
}

func (c *Channel) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				c.terminate(false, err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				c.terminate(false, err)
				return
			}
		case <-c.done:
			if c.localClose.Load() {
				c.flush()
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				_ = c.conn.Close()
			}
			return
		}
	}
}

func (c *Channel) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued.
func (c *Channel) flush() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				c.log.Debug().Err(err).Msg("flush on close failed")
				return
			}
		default:
			return
		}
	}
}
