// Package roster holds the local view of every known session of the
// organization. The presence client is its only writer; any number of
// consumers read it.
package roster

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"basegraph.app/livesync/internal/model"
)

type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeUpsert   ChangeKind = "upsert"
	ChangeRemove   ChangeKind = "remove"
)

// Change describes one applied write. Record is a copy and is nil for
// snapshots and removals.
type Change struct {
	Kind    ChangeKind
	UserID  string
	Record  *model.PresenceRecord
	Version uint64
}

type Store struct {
	mu      sync.RWMutex
	records map[string]model.PresenceRecord
	version uint64

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		records: make(map[string]model.PresenceRecord),
		subs:    make(map[int]func(Change)),
	}
}

// ApplySnapshot replaces the whole roster. Records without a user id are
// skipped; for duplicate ids the last record wins. It reports whether the
// content changed.
func (s *Store) ApplySnapshot(records []model.PresenceRecord) bool {
	next := make(map[string]model.PresenceRecord, len(records))
	for _, r := range records {
		if r.UserID == "" {
			continue
		}
		rec := r.Clone()
		if rec.Status == "" {
			rec.Status = model.StatusOnline
		}
		if rec.Status == model.StatusOffline {
			// offline sessions are never part of the roster
			delete(next, rec.UserID)
			continue
		}
		next[rec.UserID] = rec
	}

	s.mu.Lock()
	if sameContent(s.records, next) {
		s.mu.Unlock()
		return false
	}
	s.records = next
	s.version++
	change := Change{Kind: ChangeSnapshot, Version: s.version}
	s.mu.Unlock()

	s.notify(change)
	return true
}

// ApplyIncremental applies one presence event. Applying the same event again
// leaves the roster untouched: timestamps only come from the event itself.
func (s *Store) ApplyIncremental(evt model.PresenceEvent) (bool, error) {
	if err := evt.Validate(); err != nil {
		return false, fmt.Errorf("applying presence event: %w", err)
	}

	id := evt.SubjectID()

	s.mu.Lock()
	current, exists := s.records[id]

	// offline sessions are never part of the roster, whichever event says so
	if evt.Type == model.PresenceEventUserOffline ||
		(evt.Type == model.PresenceEventUserOnline && evt.User.Status == model.StatusOffline) {
		if !exists {
			s.mu.Unlock()
			return false, nil
		}
		delete(s.records, id)
		s.version++
		change := Change{Kind: ChangeRemove, UserID: id, Version: s.version}
		s.mu.Unlock()
		s.notify(change)
		return true, nil
	}

	next := reduce(current, exists, evt)
	if exists && current.Equal(next) {
		s.mu.Unlock()
		return false, nil
	}
	s.records[id] = next
	s.version++
	rec := next.Clone()
	change := Change{Kind: ChangeUpsert, UserID: id, Record: &rec, Version: s.version}
	s.mu.Unlock()

	s.notify(change)
	return true, nil
}

// reduce computes the record after evt. Events other than user_online carry
// a single field and leave the rest of the record as it was.
func reduce(current model.PresenceRecord, exists bool, evt model.PresenceEvent) model.PresenceRecord {
	if !exists {
		current = model.PresenceRecord{UserID: evt.SubjectID()}
	}

	switch evt.Type {
	case model.PresenceEventUserOnline:
		next := evt.User.Clone()
		if next.Status == "" {
			next.Status = model.StatusOnline
		}
		if evt.At != nil && next.LastActivity.IsZero() {
			next.LastActivity = *evt.At
		}
		return next
	case model.PresenceEventUserAway:
		current.Status = model.StatusAway
	case model.PresenceEventUserActive:
		current.Status = model.StatusOnline
	case model.PresenceEventUserViewing:
		if evt.ContactID != nil {
			v := *evt.ContactID
			current.CurrentContactID = &v
		} else {
			current.CurrentContactID = nil
		}
		if current.Status == "" {
			current.Status = model.StatusOnline
		}
	}

	if current.Status == "" {
		current.Status = model.StatusOnline
	}
	if evt.At != nil {
		current.LastActivity = *evt.At
	}
	return current
}

func (s *Store) Get(userID string) (model.PresenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[userID]
	if !ok {
		return model.PresenceRecord{}, false
	}
	return r.Clone(), true
}

// List returns a copy of every record ordered by user id.
func (s *Store) List() []model.PresenceRecord {
	s.mu.RLock()
	out := make([]model.PresenceRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Version increases by one for every write that changed the roster.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear empties the roster, e.g. when the session is torn down.
func (s *Store) Clear() {
	s.ApplySnapshot(nil)
}

// Subscribe registers fn for every applied change and returns a function
// that removes it. fn runs on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) notify(change Change) {
	s.subsMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		callSubscriber(fn, change)
	}
}

func callSubscriber(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("roster subscriber panicked", "panic", r, "change", change.Kind, "user_id", change.UserID)
		}
	}()
	fn(change)
}

func sameContent(a, b map[string]model.PresenceRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ra := range a {
		rb, ok := b[id]
		if !ok || !ra.Equal(rb) {
			return false
		}
	}
	return true
}
