// internal/adapter/realtime/bridge.go

// Package realtime keeps the nearby store live over the backend's
// WebSocket channel.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nomadnet/internal/adapter/wire"
	"nomadnet/internal/domain/geo"
	"nomadnet/internal/domain/identity"
	"nomadnet/internal/logging"
	"nomadnet/internal/metrics"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("realtime bridge closed")

var errNotConnected = errors.New("not connected")

// State is the connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler receives every decoded envelope
type Handler interface {
	HandleEvent(env wire.Envelope)
}

// Interest is the registered spatial interest
type Interest struct {
	Center geo.Coordinates
	Radius float64
}

// BridgeConfig contains configuration for the bridge
type BridgeConfig struct {
	URL              string
	HandshakeTimeout time.Duration

	// Reconnect backoff doubles from InitialBackoff up to MaxBackoff. After
	// MaxReconnectAttempts consecutive failures the bridge stays
	// disconnected until Connect is called again.
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// DefaultBridgeConfig returns the default timings for url
func DefaultBridgeConfig(url string) BridgeConfig {
	return BridgeConfig{
		URL:                  url,
		HandshakeTimeout:     10 * time.Second,
		InitialBackoff:       time.Second,
		MaxBackoff:           32 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         54 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
	}
}

// Bridge is the realtime channel client. A single supervisor goroutine
// owns dialing, reading and reconnecting.
type Bridge struct {
	config  BridgeConfig
	session *identity.Session
	handler Handler
	dialer  websocket.Dialer
	log     zerolog.Logger

	// base ends when the bridge is closed or the session ends
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	connID   string
	interest *Interest
	running  bool
	closed   bool

	stateHandlers []func(State)

	// redial wakes a supervisor sleeping in backoff
	redial chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewBridge creates a disconnected bridge
func NewBridge(config BridgeConfig, session *identity.Session, handler Handler) *Bridge {
	parent := context.Background()
	if session != nil {
		parent = session.Context()
	}
	base, cancel := context.WithCancel(parent)

	return &Bridge{
		config:  config,
		session: session,
		handler: handler,
		dialer:  websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		log:     logging.With("realtime"),
		base:    base,
		cancel:  cancel,
		state:   StateDisconnected,
		redial:  make(chan struct{}, 1),
	}
}

// OnStateChange registers a handler for state transitions
func (b *Bridge) OnStateChange(handler func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateHandlers = append(b.stateHandlers, handler)
}

// State returns the current connection state
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConnectionID identifies the current connection in logs; empty when
// disconnected
func (b *Bridge) ConnectionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connID
}

// Interest returns the registered spatial interest
func (b *Bridge) Interest() (Interest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interest == nil {
		return Interest{}, false
	}
	return *b.interest, true
}

// Connect starts the connection with a fresh reconnect budget and waits
// for the first attempt. A failed first attempt is retried in the
// background. While the supervisor is waiting out a reconnect backoff,
// Connect wakes it to dial immediately with a fresh budget and returns
// without waiting for the result. It is a no-op while connected.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.base.Err() != nil {
		b.mu.Unlock()
		return identity.ErrSessionEnded
	}
	if b.running {
		state := b.state
		b.mu.Unlock()
		if state != StateConnected {
			select {
			case b.redial <- struct{}{}:
			default:
			}
		}
		return nil
	}
	b.running = true
	b.wg.Add(1)
	b.mu.Unlock()

	first := make(chan error, 1)
	go b.run(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterest replaces the spatial interest and announces it when
// connected. The interest is re-announced on every reconnect.
func (b *Bridge) SetInterest(center geo.Coordinates, radius float64) error {
	interest := Interest{Center: center, Radius: radius}

	b.mu.Lock()
	b.interest = &interest
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	return b.announce(conn)
}

// Send writes an event on the current connection
func (b *Bridge) Send(event string, data any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}
	return b.write(conn, event, data)
}

// Close stops reconnecting and closes the connection
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	b.cancel()
	if conn != nil {
		b.closeConnection(conn)
	}
	b.wg.Wait()

	b.log.Info().Msg("Realtime bridge closed")
	return nil
}

// run is the supervisor: it serves a connection until it drops, then
// reconnects within the attempt budget
func (b *Bridge) run(first chan<- error) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		b.setState(StateDisconnected)
	}()

	conn, err := b.dial(b.base)
	first <- err
	if err != nil {
		b.log.Warn().Err(err).Msg("Realtime connect failed")
	}

	for {
		if conn != nil {
			b.serve(conn)
		}
		if b.base.Err() != nil {
			return
		}

		conn, err = b.reconnect()
		if err != nil {
			b.log.Warn().Err(err).Msg("Realtime bridge giving up; snapshot is now last known")
			return
		}
	}
}

func (b *Bridge) reconnect() (*websocket.Conn, error) {
	delay := b.config.InitialBackoff
	for attempt := 1; attempt <= b.config.MaxReconnectAttempts; attempt++ {
		b.setState(StateDisconnected)
		b.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-b.redial:
			b.log.Info().Msg("Reconnect requested, budget reset")
			attempt, delay = 1, b.config.InitialBackoff
		case <-b.base.Done():
			return nil, b.base.Err()
		}

		metrics.RealtimeReconnectAttempts.Inc()
		conn, err := b.dial(b.base)
		if err == nil {
			return conn, nil
		}
		if b.base.Err() != nil {
			return nil, b.base.Err()
		}
		b.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection failed")

		delay *= 2
		if delay > b.config.MaxBackoff {
			delay = b.config.MaxBackoff
		}
	}
	return nil, fmt.Errorf("%d reconnect attempts failed", b.config.MaxReconnectAttempts)
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	b.setState(StateConnecting)

	header := http.Header{}
	if b.session != nil {
		header.Set("Authorization", "Bearer "+b.session.Token())
	}

	conn, resp, err := b.dialer.DialContext(ctx, b.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		b.setState(StateDisconnected)
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// serve reads from conn until it fails or the bridge stops
func (b *Bridge) serve(conn *websocket.Conn) {
	connID := uuid.New().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = conn
	b.connID = connID
	b.mu.Unlock()

	log := b.log.With().Str("conn_id", connID).Logger()
	log.Info().Msg("Realtime connected")
	b.setState(StateConnected)

	// Server-side interest does not survive a reconnect
	if err := b.announce(conn); err != nil {
		log.Warn().Err(err).Msg("Failed to announce interest")
	}

	conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
	})

	done := make(chan struct{})
	b.wg.Add(1)
	go b.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("Connection closed by server")
			} else if b.base.Err() == nil {
				log.Warn().Err(err).Msg("Read error")
			}
			break
		}

		conn.SetReadDeadline(time.Now().Add(b.config.PongWait))
		b.handleMessage(message)
	}

	close(done)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.connID = ""
	}
	b.mu.Unlock()

	conn.Close()
	b.setState(StateDisconnected)
}

func (b *Bridge) handleMessage(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn().Err(err).Msg("Failed to parse message")
		return
	}

	metrics.RealtimeEvents.WithLabelValues(env.Event).Inc()
	if b.handler != nil {
		b.handler.HandleEvent(env)
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer b.wg.Done()

	// A non-positive interval disables keepalive pings
	var tick <-chan time.Time
	if b.config.PingInterval > 0 {
		ticker := time.NewTicker(b.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-b.base.Done():
			b.closeConnection(conn)
			return
		case <-tick:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.config.WriteWait))
			if err != nil {
				b.log.Warn().Err(err).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

// announce writes the interest registered at write time. The read happens
// under writeMu so the last join on the wire is always the latest interest.
func (b *Bridge) announce(conn *websocket.Conn) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	interest := b.interest
	b.mu.Unlock()

	if interest == nil {
		return nil
	}
	return b.writeLocked(conn, wire.EventJoin, wire.JoinArea{
		Longitude: interest.Center.Longitude,
		Latitude:  interest.Center.Latitude,
		Radius:    interest.Radius,
	})
}

func (b *Bridge) write(conn *websocket.Conn, event string, data any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.writeLocked(conn, event, data)
}

// writeLocked requires writeMu
func (b *Bridge) writeLocked(conn *websocket.Conn, event string, data any) error {
	msg, err := wire.EncodeEvent(event, data)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(b.config.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// closeConnection sends a close frame and closes conn
func (b *Bridge) closeConnection(conn *websocket.Conn) {
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		b.log.Debug().Err(err).Msg("Failed to send close message")
	}
	conn.Close()
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	handlers := append([]func(State){}, b.stateHandlers...)
	b.mu.Unlock()

	if state == StateConnected {
		metrics.RealtimeConnected.Set(1)
	} else {
		metrics.RealtimeConnected.Set(0)
	}

	for _, h := range handlers {
		h(state)
	}
}
