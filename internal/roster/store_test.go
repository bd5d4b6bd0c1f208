package roster_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/roster"
)

func ptr(s string) *string { return &s }

func online(id string) model.PresenceEvent {
	return model.PresenceEvent{
		Type: model.PresenceEventUserOnline,
		User: &model.PresenceRecord{UserID: id, UserName: "User " + id, Status: model.StatusOnline},
	}
}

var _ = Describe("Store", func() {
	var store *roster.Store

	BeforeEach(func() {
		store = roster.New()
	})

	Describe("ApplySnapshot", func() {
		It("replaces the whole roster", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "a"}, {UserID: "b"}})
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "c", Status: model.StatusAway}})

			list := store.List()
			Expect(list).To(HaveLen(1))
			Expect(list[0].UserID).To(Equal("c"))
			Expect(list[0].Status).To(Equal(model.StatusAway))
		})

		It("keeps one record per user id, last one wins", func() {
			store.ApplySnapshot([]model.PresenceRecord{
				{UserID: "a", UserName: "first"},
				{UserID: "a", UserName: "second"},
			})

			rec, ok := store.Get("a")
			Expect(ok).To(BeTrue())
			Expect(rec.UserName).To(Equal("second"))
			Expect(store.Len()).To(Equal(1))
		})

		It("defaults missing status to online and skips offline records", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "a"}, {UserID: "b", Status: model.StatusOffline}, {}})

			Expect(store.Len()).To(Equal(1))
			rec, _ := store.Get("a")
			Expect(rec.Status).To(Equal(model.StatusOnline))
		})

		It("does not bump the version for identical content", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "a"}})
			v := store.Version()

			Expect(store.ApplySnapshot([]model.PresenceRecord{{UserID: "a"}})).To(BeFalse())
			Expect(store.Version()).To(Equal(v))
		})

		It("is superseded by a later offline event", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "A"}, {UserID: "B"}})

			changed, err := store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserOffline, UserID: "A"})
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())

			list := store.List()
			Expect(list).To(HaveLen(1))
			Expect(list[0].UserID).To(Equal("B"))
		})
	})

	Describe("ApplyIncremental", func() {
		DescribeTable("is idempotent",
			func(evt model.PresenceEvent) {
				store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1", UserName: "Ana"}})

				_, err := store.ApplyIncremental(evt)
				Expect(err).NotTo(HaveOccurred())
				once := store.List()
				version := store.Version()

				changed, err := store.ApplyIncremental(evt)
				Expect(err).NotTo(HaveOccurred())
				Expect(changed).To(BeFalse())
				Expect(store.Version()).To(Equal(version))
				Expect(store.List()).To(Equal(once))
			},
			Entry("user_online", online("u2")),
			Entry("user_away", model.PresenceEvent{Type: model.PresenceEventUserAway, UserID: "u1"}),
			Entry("user_active", model.PresenceEvent{Type: model.PresenceEventUserActive, UserID: "u1"}),
			Entry("user_viewing", model.PresenceEvent{Type: model.PresenceEventUserViewing, UserID: "u1", ContactID: ptr("c9")}),
			Entry("user_offline", model.PresenceEvent{Type: model.PresenceEventUserOffline, UserID: "u1"}),
			Entry("timestamped user_away", model.PresenceEvent{
				Type: model.PresenceEventUserAway, UserID: "u1", At: func() *time.Time { t := time.Unix(1700000000, 0); return &t }(),
			}),
		)

		It("updates only the announced field", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1", UserName: "Ana", CurrentRoute: ptr("/inbox")}})

			_, err := store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserViewing, UserID: "u1", ContactID: ptr("c1")})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserAway, UserID: "u1"})
			Expect(err).NotTo(HaveOccurred())

			rec, ok := store.Get("u1")
			Expect(ok).To(BeTrue())
			Expect(rec.UserName).To(Equal("Ana"))
			Expect(*rec.CurrentRoute).To(Equal("/inbox"))
			Expect(*rec.CurrentContactID).To(Equal("c1"))
			Expect(rec.Status).To(Equal(model.StatusAway))
		})

		It("clears the viewed contact with a null contact id", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1", CurrentContactID: ptr("c1")}})

			_, err := store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserViewing, UserID: "u1"})
			Expect(err).NotTo(HaveOccurred())

			rec, _ := store.Get("u1")
			Expect(rec.CurrentContactID).To(BeNil())
		})

		It("upserts a minimal record for scalar events about unknown sessions", func() {
			_, err := store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserAway, UserID: "ghost"})
			Expect(err).NotTo(HaveOccurred())

			rec, ok := store.Get("ghost")
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(model.StatusAway))
		})

		It("converges regardless of order for away and viewing", func() {
			away := model.PresenceEvent{Type: model.PresenceEventUserAway, UserID: "u1"}
			viewing := model.PresenceEvent{Type: model.PresenceEventUserViewing, UserID: "u1", ContactID: ptr("c1")}
			other := roster.New()
			base := []model.PresenceRecord{{UserID: "u1"}}
			store.ApplySnapshot(base)
			other.ApplySnapshot(base)

			_, _ = store.ApplyIncremental(away)
			_, _ = store.ApplyIncremental(viewing)
			_, _ = other.ApplyIncremental(viewing)
			_, _ = other.ApplyIncremental(away)

			Expect(store.List()).To(Equal(other.List()))
		})

		It("lets the last delivered event win when offline and online arrive out of order", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1"}})

			_, _ = store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserOffline, UserID: "u1"})
			_, _ = store.ApplyIncremental(online("u1"))

			// no sequence numbers on the wire: the late online leaves a stale record
			_, ok := store.Get("u1")
			Expect(ok).To(BeTrue())
		})

		It("rejects invalid events without touching the roster", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1"}})

			_, err := store.ApplyIncremental(model.PresenceEvent{Type: "user_exploded", UserID: "u1"})
			Expect(err).To(MatchError(model.ErrInvalidPresenceEvent))
			_, err = store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserOnline})
			Expect(err).To(MatchError(model.ErrInvalidPresenceEvent))

			Expect(store.Len()).To(Equal(1))
		})

		It("removes a session announced online with an offline status", func() {
			_, _ = store.ApplyIncremental(online("u2"))

			changed, err := store.ApplyIncremental(model.PresenceEvent{
				Type: model.PresenceEventUserOnline,
				User: &model.PresenceRecord{UserID: "u2", Status: model.StatusOffline},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(store.Len()).To(BeZero())

			changed, err = store.ApplyIncremental(model.PresenceEvent{
				Type: model.PresenceEventUserOnline,
				User: &model.PresenceRecord{UserID: "u3", Status: model.StatusOffline},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
			_, ok := store.Get("u3")
			Expect(ok).To(BeFalse())
		})

		It("empties on Clear", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1"}, {UserID: "u2"}})
			before := store.Version()

			store.Clear()
			Expect(store.Len()).To(BeZero())
			Expect(store.Version()).To(Equal(before + 1))
		})

		It("hands out copies", func() {
			store.ApplySnapshot([]model.PresenceRecord{{UserID: "u1", CurrentContactID: ptr("c1")}})

			rec, _ := store.Get("u1")
			*rec.CurrentContactID = "mutated"

			again, _ := store.Get("u1")
			Expect(*again.CurrentContactID).To(Equal("c1"))
		})
	})

	Describe("Subscribe", func() {
		It("notifies subscribers of applied changes only", func() {
			var changes []roster.Change
			unsubscribe := store.Subscribe(func(c roster.Change) { changes = append(changes, c) })

			store.ApplySnapshot(nil) // no change
			_, _ = store.ApplyIncremental(online("u2"))
			_, _ = store.ApplyIncremental(online("u2"))
			_, _ = store.ApplyIncremental(model.PresenceEvent{Type: model.PresenceEventUserOffline, UserID: "u2"})

			Expect(changes).To(HaveLen(2))
			Expect(changes[0].Kind).To(Equal(roster.ChangeUpsert))
			Expect(changes[0].Record.UserID).To(Equal("u2"))
			Expect(changes[1].Kind).To(Equal(roster.ChangeRemove))

			unsubscribe()
			_, _ = store.ApplyIncremental(online("u3"))
			Expect(changes).To(HaveLen(2))
		})

		It("survives a panicking subscriber", func() {
			store.Subscribe(func(roster.Change) { panic("boom") })

			Expect(func() { _, _ = store.ApplyIncremental(online("u2")) }).NotTo(Panic())
			Expect(store.Len()).To(Equal(1))
		})
	})
})
