package presence_test

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/presence"
	"basegraph.app/livesync/internal/roster"
)

var identity = model.Identity{
	UserID:         "u1",
	UserName:       "Ada",
	UserEmail:      "ada@example.com",
	UserRole:       "agent",
	OrganizationID: "org1",
}

func decodeData[T any](f presence.Frame) T {
	var out T
	Expect(json.Unmarshal(f.Data, &out)).To(Succeed())
	return out
}

var _ = Describe("Client", func() {
	var (
		server *presenceServer
		store  *roster.Store
		cfg    presence.Config
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		server = newPresenceServer()
		store = roster.New()
		cfg = presence.Config{
			URL:               server.URL(),
			Header:            http.Header{"Cookie": []string{"session=abc"}},
			Identity:          identity,
			HeartbeatInterval: time.Hour,
			ReconnectDelay:    10 * time.Millisecond,
			ReconnectAttempts: 3,
			WriteTimeout:      time.Second,
		}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	start := func(client *presence.Client) chan error {
		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()
		return done
	}

	connect := func(client *presence.Client) *serverConn {
		sc := server.accept()
		Expect(sc.next().Type).To(Equal(presence.FrameRegister))
		sc.send(presence.FramePresenceUpdate, presence.PresenceUpdatePayload{Users: []model.PresenceRecord{}})
		Eventually(client.State).Should(Equal(presence.StateConnected))
		return sc
	}

	It("registers with the full identity before anything else", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := server.accept()
		first := sc.next()
		Expect(first.Type).To(Equal(presence.FrameRegister))
		Expect(decodeData[model.Identity](first)).To(Equal(identity))
		Expect(server.Cookies()).To(ConsistOf("session=abc"))
		Eventually(client.State).Should(Equal(presence.StateRegistered))
	})

	It("becomes connected on the first snapshot", func() {
		var states []presence.State
		cfg.OnStateChange = func(s presence.State) { states = append(states, s) }
		client := presence.New(cfg, store)
		done := start(client)

		connect(client)
		Expect(client.Connected()).To(BeTrue())

		client.Close()
		Eventually(done).Should(Receive(BeNil()))
		Expect(states).To(Equal([]presence.State{
			presence.StateConnecting,
			presence.StateRegistered,
			presence.StateConnected,
			presence.StateDisconnected,
		}))
	})

	It("keeps the roster in sync with the server", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := connect(client)
		Expect(store.Len()).To(Equal(0))

		sc.send(presence.FramePresenceEvent, model.PresenceEvent{
			Type: model.PresenceEventUserOnline,
			User: &model.PresenceRecord{UserID: "u2", UserName: "Bob", Status: model.StatusOnline},
		})
		Eventually(func() []string {
			var ids []string
			for _, r := range store.List() {
				ids = append(ids, r.UserID)
			}
			return ids
		}).Should(Equal([]string{"u2"}))
		rec, _ := store.Get("u2")
		Expect(rec.Status).To(Equal(model.StatusOnline))

		sc.send(presence.FramePresenceEvent, model.PresenceEvent{Type: model.PresenceEventUserOffline, UserID: "u2"})
		Eventually(store.Len).Should(Equal(0))
	})

	It("drops malformed frames and keeps the connection", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := connect(client)
		sc.sendRaw("{not json")
		sc.sendRaw(`{"type":"presence_event","data":{"type":"user_away"}}`)
		sc.sendRaw(`{"type":"something_new","data":{}}`)
		sc.send(presence.FramePresenceEvent, model.PresenceEvent{Type: model.PresenceEventUserAway, UserID: "u3"})

		Eventually(store.Len).Should(Equal(1))
		Expect(client.State()).To(Equal(presence.StateConnected))
	})

	It("drops outbound frames until connected", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := server.accept()
		Expect(sc.next().Type).To(Equal(presence.FrameRegister))
		Eventually(client.State).Should(Equal(presence.StateRegistered))

		contact := "c1"
		client.SetViewing(&contact)
		client.Navigate("/inbox")
		Expect(client.Send(presence.FrameTyping, presence.TypingPayload{ContactID: "c1"})).To(MatchError(presence.ErrNotConnected))
		Consistently(sc.frames, 50*time.Millisecond).ShouldNot(Receive())

		sc.send(presence.FramePresenceUpdate, presence.PresenceUpdatePayload{})
		Eventually(client.State).Should(Equal(presence.StateConnected))

		client.SetViewing(&contact)
		f := sc.next()
		Expect(f.Type).To(Equal(presence.FrameViewing))
		Expect(decodeData[presence.ViewingPayload](f).ContactID).To(HaveValue(Equal("c1")))

		client.SetViewing(nil)
		f = sc.next()
		Expect(string(f.Data)).To(MatchJSON(`{"contactId":null}`))

		client.SetTyping("c1", true)
		Expect(decodeData[presence.TypingPayload](sc.next())).To(Equal(presence.TypingPayload{ContactID: "c1", IsTyping: true}))

		client.Navigate("/contacts/c1")
		Expect(decodeData[presence.NavigatePayload](sc.next()).Route).To(Equal("/contacts/c1"))
	})

	It("coalesces identical consecutive statuses", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := connect(client)
		client.SetStatus(model.StatusOnline)
		client.SetStatus(model.StatusAway)
		client.SetStatus(model.StatusAway)
		client.SetStatus(model.StatusAway)

		f := sc.next()
		Expect(f.Type).To(Equal(presence.FrameStatus))
		Expect(decodeData[presence.StatusPayload](f).Status).To(Equal(model.StatusAway))
		Consistently(sc.frames, 50*time.Millisecond).ShouldNot(Receive())

		client.SetStatus(model.StatusOnline)
		Expect(decodeData[presence.StatusPayload](sc.next()).Status).To(Equal(model.StatusOnline))
	})

	It("re-announces the desired status after a reconnect", func() {
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := connect(client)
		client.SetStatus(model.StatusAway)
		Expect(decodeData[presence.StatusPayload](sc.next()).Status).To(Equal(model.StatusAway))

		sc.drop()

		again := server.accept()
		Expect(again.next().Type).To(Equal(presence.FrameRegister))
		again.send(presence.FramePresenceUpdate, presence.PresenceUpdatePayload{})

		f := again.next()
		Expect(f.Type).To(Equal(presence.FrameStatus))
		Expect(decodeData[presence.StatusPayload](f).Status).To(Equal(model.StatusAway))
		Expect(client.State()).To(Equal(presence.StateConnected))
	})

	It("sends heartbeats while connected", func() {
		clock := clockwork.NewFakeClock()
		cfg.Clock = clock
		cfg.HeartbeatInterval = 15 * time.Second
		client := presence.New(cfg, store)
		done := start(client)
		defer func() { client.Close(); Eventually(done).Should(Receive(BeNil())) }()

		sc := connect(client)
		Expect(clock.BlockUntilContext(ctx, 1)).To(Succeed())

		clock.Advance(15 * time.Second)
		Expect(sc.next().Type).To(Equal(presence.FrameHeartbeat))

		clock.Advance(15 * time.Second)
		Expect(sc.next().Type).To(Equal(presence.FrameHeartbeat))
	})

	It("gives up after the configured number of reconnect attempts", func() {
		dialer := &failingDialer{}
		cfg.Dialer = dialer
		cfg.ReconnectDelay = time.Millisecond
		client := presence.New(cfg, store)

		Expect(client.Run(ctx)).To(MatchError(presence.ErrReconnectExhausted))
		Expect(dialer.attempts.Load()).To(BeEquivalentTo(4))
		Expect(client.State()).To(Equal(presence.StateFailed))
	})

	It("stops reconnecting when closed", func() {
		dialer := &failingDialer{}
		cfg.Dialer = dialer
		cfg.ReconnectDelay = time.Hour
		client := presence.New(cfg, store)
		done := start(client)

		Eventually(dialer.attempts.Load).Should(BeEquivalentTo(1))
		client.Close()
		client.Close()

		Eventually(done).Should(Receive(BeNil()))
		Expect(dialer.attempts.Load()).To(BeEquivalentTo(1))
		Expect(client.State()).To(Equal(presence.StateDisconnected))
		Expect(client.Run(ctx)).To(MatchError(presence.ErrClosed))
	})

	It("announces offline on close", func() {
		client := presence.New(cfg, store)
		done := start(client)

		sc := connect(client)
		client.Close()

		f := sc.next()
		Expect(f.Type).To(Equal(presence.FrameStatus))
		Expect(decodeData[presence.StatusPayload](f).Status).To(Equal(model.StatusOffline))
		Eventually(done).Should(Receive(BeNil()))
	})

	It("returns the context error when cancelled", func() {
		client := presence.New(cfg, store)
		done := start(client)
		connect(client)

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
		Expect(client.State()).To(Equal(presence.StateDisconnected))
	})
})
