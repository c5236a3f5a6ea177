// Package wsfeed subscribes to the detection backend's WebSocket alert
// stream. Each text message carries one alert.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/idswatch/internal/source"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a control frame
	pongWait       = 60 * time.Second    // time allowed to read the next message or pong
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 64 << 10            // one alert record
)

// Subscriber dials a WebSocket URL.
type Subscriber struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	logger     log.Logger
	pongWait   time.Duration
	pingPeriod time.Duration
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) Option {
	return func(s *Subscriber) { s.header = h }
}

// WithKeepalive overrides the pong deadline; pings are sent at 90% of it.
func WithKeepalive(wait time.Duration) Option {
	return func(s *Subscriber) {
		s.pongWait = wait
		s.pingPeriod = (wait * 9) / 10
	}
}

// New creates a Subscriber for url (ws:// or wss://).
func New(url string, logger log.Logger, opts ...Option) *Subscriber {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Subscriber{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:     logger,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe implements source.Subscriber. The subscription closes when
// ctx is canceled.
func (s *Subscriber) Subscribe(ctx context.Context) (source.Subscription, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	sub := &subscription{
		conn:   conn,
		events: make(chan source.Event),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	go sub.readPump(s.pongWait)
	go sub.pingLoop(s.pingPeriod)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	events chan source.Event
	done   chan struct{}
	logger log.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *subscription) Events() <-chan source.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is safe to call more than once and concurrently with reads.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
	return nil
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) readPump(wait time.Duration) {
	defer close(s.events)
	defer func() { _ = s.Close() }()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(err)
			}
			return
		}
		// any traffic proves the peer is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))

		select {
		case s.events <- source.DecodeEvent(msg):
		case <-s.done:
			return
		}
	}
}

func (s *subscription) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) && !s.closed() {
					s.logger.Warn(context.Background(), "websocket ping failed", "error", err)
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
