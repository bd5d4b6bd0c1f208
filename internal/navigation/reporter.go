package navigation

import (
	"sync"

	"basegraph.app/livesync/internal/presence"
)

// Presence is the part of the presence client the reporter drives.
type Presence interface {
	Connected() bool
	Subscribe(fn func(presence.State)) (unsubscribe func())
	Navigate(route string)
	SetViewing(contactID *string)
}

// Reporter mirrors the local route and open conversation to the presence
// channel. Values set while disconnected are remembered and replayed once
// the channel connects; a value equal to the last one sent is not resent.
type Reporter struct {
	p           Presence
	unsubscribe func()

	mu          sync.Mutex
	route       string
	hasRoute    bool
	contact     *string
	hasContact  bool
	sentRoute   *string
	sentContact **string
}

func New(p Presence) *Reporter {
	r := &Reporter{p: p}
	r.unsubscribe = p.Subscribe(r.onState)
	return r
}

func (r *Reporter) SetRoute(route string) {
	r.mu.Lock()
	r.route = route
	r.hasRoute = true
	r.mu.Unlock()
	r.flush()
}

// SetContact records the open conversation; nil means none.
func (r *Reporter) SetContact(contactID *string) {
	r.mu.Lock()
	r.contact = clonePtr(contactID)
	r.hasContact = true
	r.mu.Unlock()
	r.flush()
}

func (r *Reporter) Route() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.route
}

func (r *Reporter) Contact() *string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePtr(r.contact)
}

// Close stops following presence state changes.
func (r *Reporter) Close() {
	r.unsubscribe()
}

func (r *Reporter) onState(s presence.State) {
	if s != presence.StateConnected {
		return
	}
	r.mu.Lock()
	r.sentRoute = nil
	r.sentContact = nil
	r.mu.Unlock()
	r.flush()
}

func (r *Reporter) flush() {
	if !r.p.Connected() {
		return
	}

	r.mu.Lock()
	var (
		route       string
		sendRoute   bool
		contact     *string
		sendContact bool
	)
	if r.hasRoute && (r.sentRoute == nil || *r.sentRoute != r.route) {
		route, sendRoute = r.route, true
		r.sentRoute = &route
	}
	if r.hasContact && (r.sentContact == nil || !equalPtr(*r.sentContact, r.contact)) {
		contact, sendContact = clonePtr(r.contact), true
		sent := clonePtr(r.contact)
		r.sentContact = &sent
	}
	r.mu.Unlock()

	if sendRoute {
		r.p.Navigate(route)
	}
	if sendContact {
		r.p.SetViewing(contact)
	}
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
