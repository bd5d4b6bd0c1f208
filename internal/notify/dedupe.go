package notify

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"basegraph.app/livesync/internal/model"
)

// dedupe remembers the last window deliveries and the last known state of
// up to window conversations. Owned by the stream goroutine.
type dedupe struct {
	seen  *lru.Cache[string, struct{}]
	convs *lru.Cache[string, string]
}

func newDedupe(window int) *dedupe {
	if window <= 0 {
		return &dedupe{}
	}
	// New only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](window)
	convs, _ := lru.New[string, string](window)
	return &dedupe{seen: seen, convs: convs}
}

// Duplicate records evt and reports whether it was already delivered.
// conv_updated events without an id are redeliveries when they repeat the
// last known state of their conversation.
func (d *dedupe) Duplicate(evt model.NotificationEvent) bool {
	if d.seen == nil {
		return false
	}

	if fp := evt.Fingerprint(); fp != "" {
		if d.seen.Contains(fp) {
			return true
		}
		d.seen.Add(fp, struct{}{})
	}

	if evt.ConvUpdated == nil {
		return false
	}
	contact, state := evt.ContactID(), evt.ConvState()
	if last, known := d.convs.Peek(contact); evt.ID == "" && known && last == state {
		return true
	}
	d.convs.Add(contact, state)
	return false
}
