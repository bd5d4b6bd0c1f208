package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/livesync/common/logger"
	"basegraph.app/livesync/internal/model"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected event stream status")
	ErrStreamEnded      = errors.New("event stream ended")
	ErrClosed           = errors.New("notification client closed")
	ErrAlreadyRunning   = errors.New("notification client already running")
)

// Handlers receive decoded notifications. Nil handlers are skipped.
type Handlers struct {
	OnNewMessage  func(model.NewMessageEvent)
	OnConvUpdated func(model.ConvUpdatedEvent)
}

type Config struct {
	// URL is the organization event stream. Empty leaves the client idle.
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration
	DedupeWindow   int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithObserver adds a callback that sees every delivered notification after
// the handlers, e.g. the local API fan-out or the Redis sink.
func WithObserver(fn func(context.Context, model.NotificationEvent)) Option {
	return func(c *Client) { c.observers = append(c.observers, fn) }
}

type Client struct {
	cfg       Config
	http      *http.Client
	clock     clockwork.Clock
	observers []func(context.Context, model.NotificationEvent)

	handlers    atomic.Pointer[Handlers]
	connected   atomic.Bool
	lastEventID atomic.Value

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
}

func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers.Store(&Handlers{})
	c.lastEventID.Store("")
	return c
}

// SetHandlers replaces the handlers. Deliveries after the call use the new
// set; a delivery in flight finishes with the set it loaded.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers.Store(&h)
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) LastEventID() string {
	return c.lastEventID.Load().(string)
}

// Run streams notifications until ctx is cancelled or Close is called,
// reconnecting after every failure with a fixed delay. Without a URL it
// returns immediately.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		slog.InfoContext(ctx, "no organization configured, notification channel idle")
		return nil
	}

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
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Channel:   logger.Ptr("notifications"),
		Component: "livesync.notify.client",
	})

	dd := newDedupe(c.cfg.DedupeWindow)
	for {
		err := c.stream(ctx, dd)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}

		slog.WarnContext(ctx, "notification stream interrupted, reconnecting",
			"error", err,
			"delay", c.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return c.exitErr(ctx)
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}
	}
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

// Close stops the stream and any pending reconnect. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) stream(ctx context.Context, dd *dedupe) error {
	sc := logger.StartSpan(ctx, "notifications.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", c.cfg.URL)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		sc.RecordError(err)
		sc.End()
		return fmt.Errorf("building event stream request: %w", err)
	}
	for k, v := range c.cfg.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if last := c.LastEventID(); last != "" {
		req.Header.Set("Last-Event-ID", last)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		sc.RecordError(err)
		sc.End()
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		sc.RecordError(err)
		sc.End()
		return err
	}
	sc.End()

	c.connected.Store(true)
	slog.InfoContext(ctx, "notification stream open", "url", c.cfg.URL)

	reader := NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if ev.HasID {
			c.lastEventID.Store(ev.ID)
		}
		c.handle(ctx, dd, ev)
	}
}

func (c *Client) handle(ctx context.Context, dd *dedupe, ev Event) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventType: logger.Ptr(ev.Event)})

	kind := model.NotificationKind(ev.Event)
	if kind != model.NotificationNewMessage && kind != model.NotificationConvUpdated {
		slog.DebugContext(ctx, "ignoring unknown notification event")
		return
	}

	// only an id sent with this event identifies it; a carried-over id
	// belongs to an earlier delivery
	eventID := ""
	if ev.HasID {
		eventID = ev.ID
	}
	evt, err := model.DecodeNotification(kind, eventID, []byte(ev.Data))
	if err != nil {
		slog.WarnContext(ctx, "dropping malformed notification",
			"error", err,
			"raw", logger.Truncate(ev.Data, 256))
		return
	}
	evt.ReceivedAt = c.clock.Now()

	if dd.Duplicate(evt) {
		slog.DebugContext(ctx, "dropping duplicate notification", "contact_id", evt.ContactID())
		return
	}

	c.dispatch(ctx, evt)
}

func (c *Client) dispatch(ctx context.Context, evt model.NotificationEvent) {
	h := c.handlers.Load()
	switch {
	case evt.NewMessage != nil && h.OnNewMessage != nil:
		safeCall(ctx, "on_new_message", func() { h.OnNewMessage(*evt.NewMessage) })
	case evt.ConvUpdated != nil && h.OnConvUpdated != nil:
		safeCall(ctx, "on_conv_updated", func() { h.OnConvUpdated(*evt.ConvUpdated) })
	}

	for _, observe := range c.observers {
		safeCall(ctx, "observer", func() { observe(ctx, evt) })
	}
}

func safeCall(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in notification handler",
				"handler", what,
				"panic", r)
		}
	}()
	fn()
}
