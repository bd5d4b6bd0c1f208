package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/livesync/common/id"
	"basegraph.app/livesync/common/logger"
	"basegraph.app/livesync/internal/model"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

var (
	ErrReconnectExhausted = errors.New("presence reconnect attempts exhausted")
	ErrNotConnected       = errors.New("presence channel not connected")
	ErrClosed             = errors.New("presence client closed")
	ErrAlreadyRunning     = errors.New("presence client already running")
)

// RosterWriter receives the inbound roster frames. *roster.Store satisfies it.
type RosterWriter interface {
	ApplySnapshot(records []model.PresenceRecord) bool
	ApplyIncremental(evt model.PresenceEvent) (bool, error)
}

type Config struct {
	URL      string
	Header   http.Header
	Identity model.Identity

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	// ReconnectAttempts bounds consecutive failed reconnects after a drop.
	// Zero means a dropped connection is never retried.
	ReconnectAttempts int
	WriteTimeout      time.Duration

	Dialer        Dialer
	Clock         clockwork.Clock
	OnStateChange func(State)
}

type Client struct {
	cfg    Config
	roster RosterWriter

	mu            sync.Mutex
	state         State
	conn          Conn
	running       bool
	runGen        uint64
	closed        bool
	cancel        context.CancelFunc
	lastStatus    model.Status
	desiredStatus model.Status
	listeners     map[int]func(State)
	nextListener  int

	// statusMu orders SetStatus calls so the coalescing memory matches
	// what was written last.
	statusMu sync.Mutex
	writeMu  sync.Mutex
}

func New(cfg Config, roster RosterWriter) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	return &Client{
		cfg:       cfg,
		roster:    roster,
		state:     StateDisconnected,
		listeners: make(map[int]func(State)),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Subscribe registers fn for state transitions. fn runs on the connection
// goroutine and must not block.
func (c *Client) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	key := c.nextListener
	c.nextListener++
	c.listeners[key] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, key)
		c.mu.Unlock()
	}
}

// Run connects and keeps the channel alive until ctx is cancelled, Close is
// called or the reconnect budget is spent. It returns nil after Close,
// ctx.Err() on cancellation and ErrReconnectExhausted when it gave up.
// A returned client may be Run again as a manual retry.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.cancel = cancel
	c.runGen++
	gen := c.runGen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.finishLocked(gen)
		c.mu.Unlock()
	}()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(c.cfg.Identity.UserID),
		Channel:   logger.Ptr("presence"),
		Component: "livesync.presence.client",
	})
	if c.cfg.Identity.OrganizationID != "" {
		ctx = logger.WithLogFields(ctx, logger.LogFields{OrganizationID: logger.Ptr(c.cfg.Identity.OrganizationID)})
	}

	failures := 0
	for {
		registered, err := c.connectOnce(ctx)
		if c.stopped(ctx) {
			c.setState(StateDisconnected)
			return c.exitErr(ctx)
		}

		if registered {
			failures = 0
		}
		failures++

		if failures > c.cfg.ReconnectAttempts {
			slog.ErrorContext(ctx, "presence reconnect budget exhausted",
				"error", err,
				"attempts", c.cfg.ReconnectAttempts)
			// a manual retry may call Run as soon as the state reads failed
			c.mu.Lock()
			c.finishLocked(gen)
			listeners := c.transitionLocked(StateFailed)
			c.mu.Unlock()
			c.notifyAll(listeners, StateFailed)
			return ErrReconnectExhausted
		}

		slog.WarnContext(ctx, "presence connection lost, reconnecting",
			"error", err,
			"attempt", failures,
			"max_attempts", c.cfg.ReconnectAttempts,
			"delay", c.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return c.exitErr(ctx)
		case <-c.cfg.Clock.After(c.cfg.ReconnectDelay):
		}
	}
}

// finishLocked requires mu. It releases the run slot unless a newer Run
// already owns it.
func (c *Client) finishLocked(gen uint64) {
	if c.runGen != gen {
		return
	}
	c.running = false
	c.cancel = nil
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) exitErr(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return ctx.Err()
}

// connectOnce runs one connection from dial to drop. registered reports
// whether the server delivered its first snapshot on this connection.
func (c *Client) connectOnce(ctx context.Context) (registered bool, err error) {
	connID := id.NewOrZero()
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConnectionID: &connID})

	c.setState(StateConnecting)

	sc := logger.StartSpan(ctx, "presence.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("livesync.connection_id", connID)))
	conn, err := c.cfg.Dialer.Dial(sc.Context(), c.cfg.URL, c.cfg.Header.Clone())
	if err != nil {
		sc.RecordError(err)
		sc.End()
		c.setState(StateDisconnected)
		return false, fmt.Errorf("dialing presence channel: %w", err)
	}
	sc.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false, ErrClosed
	}
	c.conn = conn
	c.lastStatus = ""
	c.mu.Unlock()

	connCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		_ = conn.Close()
		wg.Wait()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if err := c.write(conn, FrameRegister, c.cfg.Identity); err != nil {
		return false, fmt.Errorf("sending register: %w", err)
	}
	c.setState(StateRegistered)
	slog.InfoContext(ctx, "presence channel registered", "url", c.cfg.URL)

	err = c.readLoop(connCtx, conn, &registered, &wg)
	return registered, err
}

func (c *Client) readLoop(ctx context.Context, conn Conn, registered *bool, wg *sync.WaitGroup) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading presence frame: %w", err)
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			slog.WarnContext(ctx, "dropping malformed presence frame",
				"error", err,
				"raw", logger.Truncate(string(data), 256))
			continue
		}

		frameCtx := logger.WithLogFields(ctx, logger.LogFields{EventType: logger.Ptr(string(frame.Type))})

		switch frame.Type {
		case FramePresenceUpdate:
			users, err := DecodePresenceUpdate(frame.Data)
			if err != nil {
				slog.WarnContext(frameCtx, "dropping malformed roster snapshot", "error", err)
				continue
			}
			c.roster.ApplySnapshot(users)
			slog.DebugContext(frameCtx, "roster snapshot applied", "users", len(users))

			if !*registered {
				*registered = true
				c.onFirstSnapshot(ctx, conn, wg)
			}

		case FramePresenceEvent:
			evt, err := DecodePresenceEvent(frame.Data)
			if err != nil {
				slog.WarnContext(frameCtx, "dropping malformed presence event", "error", err)
				continue
			}
			if _, err := c.roster.ApplyIncremental(evt); err != nil {
				slog.WarnContext(frameCtx, "presence event rejected", "error", err)
			}

		default:
			slog.DebugContext(frameCtx, "ignoring unknown presence frame")
		}
	}
}

// onFirstSnapshot completes the handshake: the channel is usable, heartbeats
// start and the desired status is replayed for the new connection.
func (c *Client) onFirstSnapshot(ctx context.Context, conn Conn, wg *sync.WaitGroup) {
	c.statusMu.Lock()
	c.mu.Lock()
	// register announces the session as online
	c.lastStatus = model.StatusOnline
	desired := c.desiredStatus
	listeners := c.transitionLocked(StateConnected)
	c.mu.Unlock()

	if desired != "" && desired != model.StatusOnline {
		c.sendStatusLocked(conn, desired)
	}
	c.statusMu.Unlock()
	c.notifyAll(listeners, StateConnected)

	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx, conn)
	}()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.write(conn, FrameHeartbeat, HeartbeatPayload{}); err != nil {
				slog.DebugContext(ctx, "heartbeat write failed", "error", err)
				return
			}
		}
	}
}

// SetStatus announces the local status. Consecutive identical statuses are
// sent once per connection; the latest value is re-sent after a reconnect.
func (c *Client) SetStatus(status model.Status) {
	if !status.Valid() {
		return
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	c.mu.Lock()
	c.desiredStatus = status
	if c.state != StateConnected || c.conn == nil || c.lastStatus == status {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	c.sendStatusLocked(conn, status)
}

// sendStatusLocked requires statusMu.
func (c *Client) sendStatusLocked(conn Conn, status model.Status) {
	if err := c.write(conn, FrameStatus, StatusPayload{Status: status}); err != nil {
		slog.Debug("status write failed", "error", err, "status", status)
		return
	}
	c.mu.Lock()
	c.lastStatus = status
	c.mu.Unlock()
}

func (c *Client) SetViewing(contactID *string) {
	c.send(FrameViewing, ViewingPayload{ContactID: contactID})
}

func (c *Client) SetTyping(contactID string, isTyping bool) {
	c.send(FrameTyping, TypingPayload{ContactID: contactID, IsTyping: isTyping})
}

func (c *Client) Navigate(route string) {
	c.send(FrameNavigate, NavigatePayload{Route: route})
}

func (c *Client) Heartbeat() {
	c.send(FrameHeartbeat, HeartbeatPayload{})
}

// Send writes one frame if the channel is connected. Outbound frames are
// never queued: ErrNotConnected means the frame was dropped.
func (c *Client) Send(t FrameType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, t, payload)
}

func (c *Client) send(t FrameType, payload any) {
	if err := c.Send(t, payload); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Debug("presence write failed", "error", err, "frame", t)
	}
}

func (c *Client) write(conn Conn, t FrameType, payload any) error {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// the read loop notices the closed socket and reconnects
		_ = conn.Close()
		return fmt.Errorf("writing %s frame: %w", t, err)
	}
	return nil
}

// Close sends a best-effort offline status unless one was already sent,
// closes the socket and stops the heartbeat and reconnect timers. It does
// not wait for Run to return.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	announce := c.state == StateConnected && c.lastStatus != model.StatusOffline
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		if announce {
			if err := c.write(conn, FrameStatus, StatusPayload{Status: model.StatusOffline}); err != nil {
				slog.Debug("offline notice not delivered", "error", err)
			}
		}
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	listeners := c.transitionLocked(s)
	c.mu.Unlock()
	c.notifyAll(listeners, s)
}

// transitionLocked requires mu. It returns the listeners to notify, nil when
// the state did not change.
func (c *Client) transitionLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	listeners := make([]func(State), 0, len(c.listeners)+1)
	if c.cfg.OnStateChange != nil {
		listeners = append(listeners, c.cfg.OnStateChange)
	}
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func (c *Client) notifyAll(listeners []func(State), s State) {
	for _, fn := range listeners {
		c.notify(fn, s)
	}
}

func (c *Client) notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in presence state listener", "panic", r, "state", s)
		}
	}()
	fn(s)
}
