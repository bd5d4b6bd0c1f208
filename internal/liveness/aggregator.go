package liveness

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"basegraph.app/livesync/internal/model"
)

type Config struct {
	// IdleTimeout is the inactivity window after which the session is away.
	// Zero or negative disables idle detection.
	IdleTimeout time.Duration
	Clock       clockwork.Clock
	// OnVisible runs when the session goes from hidden to visible, after the
	// resulting status was emitted. The presence client uses it to send an
	// immediate heartbeat.
	OnVisible func()
}

// Aggregator owns the idle timer and the last emitted status. setStatus is
// called only when the resolved status changes. Callbacks run outside the
// state lock but in emission order, and must not call back into the
// aggregator.
type Aggregator struct {
	cfg       Config
	setStatus func(model.Status)

	// emitMu orders callbacks; it is taken while mu is held and kept after
	// mu is released.
	emitMu sync.Mutex

	mu      sync.Mutex
	state   State
	emitted model.Status
	timer   clockwork.Timer
	gen     uint64
	started bool
	stopped bool
}

func New(cfg Config, setStatus func(model.Status)) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if setStatus == nil {
		setStatus = func(model.Status) {}
	}
	return &Aggregator{cfg: cfg, setStatus: setStatus}
}

// Start arms the idle timer. It does not emit: the first signal does.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.armLocked()
}

// Signal applies one liveness signal. Signals after Stop or Unload are
// ignored.
func (a *Aggregator) Signal(sig Signal) {
	if !sig.Valid() {
		return
	}

	a.mu.Lock()
	if a.stopped || a.state.Unloaded {
		a.mu.Unlock()
		return
	}

	wasHidden := a.state.Hidden
	a.state = Next(a.state, sig)

	switch sig {
	case SignalInteraction, SignalVisible:
		a.armLocked()
	case SignalUnload:
		a.disarmLocked()
	}

	status, changed := a.resolveLocked()
	a.emitMu.Lock()
	a.mu.Unlock()
	defer a.emitMu.Unlock()

	if changed {
		a.safeCall("set_status", func() { a.setStatus(status) })
	}
	if sig == SignalVisible && wasHidden && a.cfg.OnVisible != nil {
		a.safeCall(string(sig), a.cfg.OnVisible)
	}
}

// Stop clears the idle timer. Further signals are ignored.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.disarmLocked()
}

// Status is the last emitted status, "" before the first emission.
func (a *Aggregator) Status() model.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emitted
}

func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// resolveLocked records the resolved status and reports whether it differs
// from the last emitted one.
func (a *Aggregator) resolveLocked() (model.Status, bool) {
	resolved := Resolve(a.state)
	if resolved == a.emitted {
		return resolved, false
	}
	a.emitted = resolved
	return resolved, true
}

// armLocked replaces the idle timer. Only one timer exists at a time; a
// stale callback that already fired is recognised by its generation.
func (a *Aggregator) armLocked() {
	a.disarmLocked()
	if !a.started || a.cfg.IdleTimeout <= 0 {
		return
	}
	gen := a.gen
	a.timer = a.cfg.Clock.AfterFunc(a.cfg.IdleTimeout, func() { a.expire(gen) })
}

func (a *Aggregator) disarmLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.stopped || a.state.Unloaded {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.state = Next(a.state, SignalIdleTimeout)
	status, changed := a.resolveLocked()
	if !changed {
		a.mu.Unlock()
		return
	}
	a.emitMu.Lock()
	a.mu.Unlock()
	defer a.emitMu.Unlock()

	a.safeCall("set_status", func() { a.setStatus(status) })
}

func (a *Aggregator) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("liveness callback panicked", "callback", what, "panic", r)
		}
	}()
	fn()
}
