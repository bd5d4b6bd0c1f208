package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"basegraph.app/livesync/common/logger"
	"basegraph.app/livesync/core/config"
	"basegraph.app/livesync/internal/liveness"
	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/navigation"
	"basegraph.app/livesync/internal/notify"
	"basegraph.app/livesync/internal/presence"
	"basegraph.app/livesync/internal/roster"
)

type options struct {
	clock      clockwork.Clock
	dialer     presence.Dialer
	httpClient *http.Client
	observers  []func(context.Context, model.NotificationEvent)
}

type Option func(*options)

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithDialer(d presence.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithNotificationObserver forwards every delivered notification to fn,
// independent of the handlers installed with SetHandlers.
func WithNotificationObserver(fn func(context.Context, model.NotificationEvent)) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

// Session is one signed-in client: the presence channel with its roster,
// liveness and navigation reporting, and the notification channel.
type Session struct {
	identity      model.Identity
	roster        *roster.Store
	presence      *presence.Client
	liveness      *liveness.Aggregator
	navigation    *navigation.Reporter
	notifications *notify.Client

	mu        sync.Mutex
	runCtx    context.Context
	presenceW sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg config.Config, identity model.Identity, opts ...Option) (*Session, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = presence.WebsocketDialer{HandshakeTimeout: cfg.Presence.HandshakeTimeout}
	}

	header := http.Header{}
	if cfg.SessionCookie != "" {
		header.Set("Cookie", cfg.SessionCookie)
	}

	s := &Session{
		identity: identity,
		roster:   roster.New(),
		closed:   make(chan struct{}),
	}

	s.presence = presence.New(presence.Config{
		URL:               cfg.PresenceURL(),
		Header:            header,
		Identity:          identity,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		ReconnectDelay:    cfg.Presence.ReconnectDelay,
		ReconnectAttempts: cfg.Presence.ReconnectAttempts,
		WriteTimeout:      cfg.Presence.WriteTimeout,
		Dialer:            o.dialer,
		Clock:             o.clock,
	}, s.roster)

	s.liveness = liveness.New(liveness.Config{
		IdleTimeout: cfg.Liveness.IdleTimeout,
		Clock:       o.clock,
		OnVisible:   s.presence.Heartbeat,
	}, s.presence.SetStatus)

	s.navigation = navigation.New(s.presence)

	notifyOpts := []notify.Option{notify.WithClock(o.clock)}
	if o.httpClient != nil {
		notifyOpts = append(notifyOpts, notify.WithHTTPClient(o.httpClient))
	}
	for _, fn := range o.observers {
		notifyOpts = append(notifyOpts, notify.WithObserver(fn))
	}
	s.notifications = notify.New(notify.Config{
		URL:            cfg.NotificationsURL(identity.OrganizationID),
		Header:         header,
		ReconnectDelay: cfg.Notifications.ReconnectDelay,
		DedupeWindow:   cfg.Notifications.DedupeWindow,
	}, notifyOpts...)

	return s, nil
}

func (s *Session) Identity() model.Identity {
	return s.identity
}

func (s *Session) Roster() *roster.Store {
	return s.roster
}

func (s *Session) Presence() *presence.Client {
	return s.presence
}

func (s *Session) Liveness() *liveness.Aggregator {
	return s.liveness
}

func (s *Session) Navigation() *navigation.Reporter {
	return s.navigation
}

func (s *Session) Notifications() *notify.Client {
	return s.notifications
}

// Status is a point-in-time view of the session for diagnostics.
type Status struct {
	Identity               model.Identity
	PresenceState          presence.State
	LocalStatus            model.Status
	LivenessState          liveness.State
	NotificationsConnected bool
	LastEventID            string
	RosterSize             int
	RosterVersion          uint64
}

func (s *Session) Status() Status {
	return Status{
		Identity:               s.identity,
		PresenceState:          s.presence.State(),
		LocalStatus:            s.liveness.Status(),
		LivenessState:          s.liveness.State(),
		NotificationsConnected: s.notifications.Connected(),
		LastEventID:            s.notifications.LastEventID(),
		RosterSize:             s.roster.Len(),
		RosterVersion:          s.roster.Version(),
	}
}

// SetHandlers installs the notification handlers used from the next
// delivery on.
func (s *Session) SetHandlers(h notify.Handlers) {
	s.notifications.SetHandlers(h)
}

func (s *Session) Signal(sig liveness.Signal) {
	s.liveness.Signal(sig)
}

func (s *Session) SetRoute(route string) {
	s.navigation.SetRoute(route)
}

func (s *Session) SetContact(contactID *string) {
	s.navigation.SetContact(contactID)
}

func (s *Session) SetTyping(contactID string, isTyping bool) {
	s.presence.SetTyping(contactID, isTyping)
}

// Run starts both channels and blocks until ctx is cancelled or Close is
// called. A presence channel that gave up leaves the session running
// disconnected; notifications keep flowing.
func (s *Session) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(s.identity.UserID),
		Component: "livesync.session",
	})
	if s.identity.OrganizationID != "" {
		ctx = logger.WithLogFields(ctx, logger.LogFields{OrganizationID: logger.Ptr(s.identity.OrganizationID)})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	slog.InfoContext(ctx, "session starting")

	s.liveness.Start()
	s.liveness.Signal(liveness.SignalInteraction)

	s.startPresence(ctx)

	var notifyW sync.WaitGroup
	notifyW.Add(1)
	go func() {
		defer notifyW.Done()
		if err := s.notifications.Run(ctx); err != nil && !isShutdown(err) {
			slog.ErrorContext(ctx, "notification channel stopped", "error", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case <-s.closed:
	}

	s.Close()
	cancel()

	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()

	notifyW.Wait()
	s.presenceW.Wait()

	slog.InfoContext(ctx, "session stopped")
	return runErr
}

func (s *Session) startPresence(ctx context.Context) {
	s.presenceW.Add(1)
	go func() {
		defer s.presenceW.Done()
		err := s.presence.Run(ctx)
		switch {
		case errors.Is(err, presence.ErrReconnectExhausted):
			slog.ErrorContext(ctx, "presence channel unavailable, session continues disconnected")
		case err != nil && !isShutdown(err):
			slog.ErrorContext(ctx, "presence channel stopped", "error", err)
		}
	}()
}

// RetryPresence restarts a presence channel that gave up. It returns false
// when the session is not running or the channel has not failed.
func (s *Session) RetryPresence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.runCtx
	if ctx == nil || ctx.Err() != nil || s.presence.State() != presence.StateFailed {
		return false
	}
	slog.InfoContext(ctx, "retrying presence channel")
	s.startPresence(ctx)
	return true
}

// Close announces offline, stops the idle timer, closes both channels and
// empties the roster.
// It is idempotent and safe to call before, during or after Run.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.liveness.Signal(liveness.SignalUnload)
		s.liveness.Stop()
		s.navigation.Close()
		s.presence.Close()
		s.notifications.Close()
		s.roster.Clear()
		close(s.closed)
	})
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, presence.ErrClosed) ||
		errors.Is(err, notify.ErrClosed)
}
