// Package transport keeps one logical websocket connection to the chat
// server alive. It redials after a fixed delay, forever, until its context
// ends, and hands every received frame to a single handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/internal/metrics"
	"github.com/gosuda/portal-chat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256

	DefaultReconnectDelay = 3 * time.Second
	DefaultReadLimit      = 16 << 20
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrSendBuffer   = errors.New("transport: send buffer full")
)

// Status is the connection state reported to the status hook.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// OpenFunc runs on every fresh connection before it accepts other sends.
// Frames written through write go out first, in order. Returning an error
// drops the connection and schedules a redial.
type OpenFunc func(write func(protocol.Frame) error) error

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	ReadLimit      int64
	Header         http.Header
	Dialer         *websocket.Dialer
	Metrics        *metrics.Metrics
}

// Conn is the reconnecting connection. Hooks must be installed before Run.
type Conn struct {
	opts Options

	onFrame  func([]byte)
	onOpen   OpenFunc
	onStatus func(Status)

	mu  sync.Mutex
	cur *link
}

type link struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

func New(opts Options) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Conn{opts: opts}
}

// OnFrame installs the handler for raw inbound frames. It is called from
// the read goroutine, in arrival order.
func (c *Conn) OnFrame(fn func(raw []byte)) { c.onFrame = fn }

// OnOpen installs the hook run on every successful dial.
func (c *Conn) OnOpen(fn OpenFunc) { c.onOpen = fn }

// OnStatus installs the connection state hook.
func (c *Conn) OnStatus(fn func(Status)) { c.onStatus = fn }

// Run dials and serves until ctx is done. Every failure or close is
// followed by the reconnect delay and another dial.
func (c *Conn) Run(ctx context.Context) error {
	for {
		c.status(Connecting)
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			c.countDial("error")
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("url", c.opts.URL).Msg("dial chat server")
			}
		} else {
			c.countDial("ok")
			c.serve(ctx, ws)
		}
		c.status(Disconnected)

		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	l := &link{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	defer l.close()

	stop := context.AfterFunc(ctx, l.close)
	defer stop()

	if c.onOpen != nil {
		err := c.onOpen(func(f protocol.Frame) error {
			raw, err := protocol.Encode(f)
			if err != nil {
				return err
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return err
			}
			c.countOut(f.FrameType())
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Msg("connection open hook failed")
			return
		}
	}

	c.mu.Lock()
	c.cur = l
	c.mu.Unlock()
	if c.opts.Metrics != nil {
		c.opts.Metrics.Connected.Set(1)
	}
	c.status(Connected)

	defer func() {
		c.mu.Lock()
		if c.cur == l {
			c.cur = nil
		}
		c.mu.Unlock()
		if c.opts.Metrics != nil {
			c.opts.Metrics.Connected.Set(0)
		}
	}()

	go c.writeLoop(l)
	c.readLoop(l)
}

func (c *Conn) readLoop(l *link) {
	defer l.close()
	l.ws.SetReadLimit(c.opts.ReadLimit)
	_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := l.ws.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("read frame")
			return
		}
		// any traffic proves the peer is alive
		_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.onFrame != nil {
			c.onFrame(payload)
		}
	}
}

func (c *Conn) writeLoop(l *link) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		l.close()
	}()
	for {
		select {
		case raw := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Debug().Err(err).Msg("write frame")
				return
			}
		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// Send encodes f and queues it on the open connection.
func (c *Conn) Send(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.send <- raw:
		c.countOut(f.FrameType())
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendBuffer, f.FrameType())
	}
}

// Drop closes the current connection, if any. Run redials after the
// reconnect delay.
func (c *Conn) Drop() {
	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

func (c *Conn) status(s Status) {
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *Conn) countDial(result string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Dials.WithLabelValues(result).Inc()
	}
}

func (c *Conn) countOut(frameType string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.FramesOut.WithLabelValues(frameType).Inc()
	}
}
