package notify_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/notify"
)

// eventServer serves text/event-stream. Each accepted stream is handed to
// the test, which writes raw SSE text into it and closes it to end it.
type eventServer struct {
	srv      *httptest.Server
	streams  chan chan string
	failures atomic.Int32

	mu      sync.Mutex
	headers []http.Header
}

func newEventServer() *eventServer {
	s := &eventServer{streams: make(chan chan string, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *eventServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	stream := make(chan string, 16)
	s.streams <- stream
	for {
		select {
		case raw, ok := <-stream:
			if !ok {
				return
			}
			_, _ = fmt.Fprint(w, raw)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *eventServer) accept() chan string {
	var stream chan string
	Eventually(s.streams).Should(Receive(&stream))
	return stream
}

func (s *eventServer) requests() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *eventServer) Close() {
	s.srv.CloseClientConnections()
	s.srv.Close()
}

func newMessage(id, contact, message string) string {
	idLine := ""
	if id != "" {
		idLine = "id: " + id + "\n"
	}
	return fmt.Sprintf("event: new_message\n%sdata: {\"contactId\":%q,\"message\":{\"id\":%q,\"direction\":\"inbound\",\"type\":\"text\",\"content\":{\"text\":\"hi\"},\"status\":\"received\",\"createdAt\":\"2024-01-01T00:00:00Z\"}}\n\n",
		idLine, contact, message)
}

func convUpdated(contact, status string) string {
	return fmt.Sprintf("event: conv_updated\ndata: {\"contactId\":%q,\"convStatus\":%q,\"assignedToId\":null,\"assignedToName\":null}\n\n",
		contact, status)
}

var _ = Describe("Client", func() {
	var (
		server   *eventServer
		cfg      notify.Config
		messages chan model.NewMessageEvent
		convs    chan model.ConvUpdatedEvent
		handlers notify.Handlers
		ctx      context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		server = newEventServer()
		cfg = notify.Config{
			URL:            server.srv.URL + "/api/v1/orgs/org1/events",
			Header:         http.Header{"Cookie": []string{"session=abc"}},
			ReconnectDelay: 5 * time.Millisecond,
			DedupeWindow:   64,
		}
		messages = make(chan model.NewMessageEvent, 16)
		convs = make(chan model.ConvUpdatedEvent, 16)
		handlers = notify.Handlers{
			OnNewMessage:  func(e model.NewMessageEvent) { messages <- e },
			OnConvUpdated: func(e model.ConvUpdatedEvent) { convs <- e },
		}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	start := func(client *notify.Client) chan error {
		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()
		return done
	}

	stop := func(client *notify.Client, done chan error) {
		client.Close()
		Eventually(done).Should(Receive(BeNil()))
	}

	It("stays idle without an organization", func() {
		cfg.URL = ""
		client := notify.New(cfg)
		Expect(client.Run(ctx)).To(Succeed())
		Expect(server.requests()).To(BeEmpty())
	})

	It("delivers notifications to the handlers", func() {
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		Eventually(client.Connected).Should(BeTrue())
		stream <- newMessage("", "c1", "m1")
		stream <- convUpdated("c1", "closed")

		var msg model.NewMessageEvent
		Eventually(messages).Should(Receive(&msg))
		Expect(msg.ContactID).To(Equal("c1"))
		Expect(msg.Message.ID).To(Equal("m1"))
		Expect(msg.Message.Direction).To(Equal(model.MessageDirectionInbound))

		var conv model.ConvUpdatedEvent
		Eventually(convs).Should(Receive(&conv))
		Expect(conv.ConvStatus).To(Equal("closed"))
		Expect(conv.AssignedToID).To(BeNil())

		req := server.requests()[0]
		Expect(req.Get("Accept")).To(Equal("text/event-stream"))
		Expect(req.Get("Cookie")).To(Equal("session=abc"))
	})

	It("ignores unknown events and drops malformed payloads", func() {
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- "event: typing\ndata: {}\n\n"
		stream <- "event: new_message\ndata: {not json\n\n"
		stream <- "event: conv_updated\ndata: {\"convStatus\":\"open\"}\n\n"
		stream <- newMessage("", "c2", "m2")

		var msg model.NewMessageEvent
		Eventually(messages).Should(Receive(&msg))
		Expect(msg.ContactID).To(Equal("c2"))
		Consistently(convs, 50*time.Millisecond).ShouldNot(Receive())
		Expect(server.requests()).To(HaveLen(1))
	})

	It("suppresses redelivered notifications", func() {
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("41", "c1", "m1")
		stream <- newMessage("41", "c1", "m1")
		stream <- newMessage("", "c1", "m2")
		stream <- newMessage("", "c1", "m2")
		stream <- convUpdated("c1", "open")
		stream <- convUpdated("c1", "open")
		stream <- convUpdated("c1", "closed")
		stream <- convUpdated("c1", "open")

		Eventually(messages).Should(HaveLen(2))
		Eventually(convs).Should(HaveLen(3))
		Consistently(messages, 50*time.Millisecond).Should(HaveLen(2))
		Expect(convs).To(HaveLen(3))
	})

	It("delivers events without an id after one that had an id", func() {
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("5", "c1", "m1")
		stream <- newMessage("", "c1", "m2")
		stream <- convUpdated("c1", "closed")

		Eventually(messages).Should(HaveLen(2))
		Eventually(convs).Should(HaveLen(1))
		Expect(client.LastEventID()).To(Equal("5"))
	})

	It("reconnects after the stream ends and resumes from the last id", func() {
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("9", "c1", "m1")
		Eventually(messages).Should(Receive())
		close(stream)

		stream = server.accept()
		stream <- newMessage("10", "c1", "m2")
		Eventually(messages).Should(Receive())

		reqs := server.requests()
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[0].Get("Last-Event-ID")).To(BeEmpty())
		Expect(reqs[1].Get("Last-Event-ID")).To(Equal("9"))
		Expect(client.LastEventID()).To(Equal("10"))
	})

	It("keeps retrying however many attempts fail", func() {
		server.failures.Store(25)
		client := notify.New(cfg)
		client.SetHandlers(handlers)
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		Eventually(client.Connected).Should(BeTrue())
		Expect(len(server.requests())).To(BeNumerically(">", 25))

		stream <- newMessage("", "c1", "m1")
		Eventually(messages).Should(Receive())
	})

	It("dispatches to the handlers set at delivery time", func() {
		stale := make(chan model.NewMessageEvent, 16)
		client := notify.New(cfg)
		client.SetHandlers(notify.Handlers{OnNewMessage: func(e model.NewMessageEvent) { stale <- e }})
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("", "c1", "m1")
		Eventually(stale).Should(Receive())

		client.SetHandlers(handlers)
		stream <- newMessage("", "c1", "m2")

		var msg model.NewMessageEvent
		Eventually(messages).Should(Receive(&msg))
		Expect(msg.Message.ID).To(Equal("m2"))
		Expect(stale).To(BeEmpty())
	})

	It("survives a panicking handler", func() {
		var calls atomic.Int32
		client := notify.New(cfg)
		client.SetHandlers(notify.Handlers{OnNewMessage: func(e model.NewMessageEvent) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			messages <- e
		}})
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("", "c1", "m1")
		stream <- newMessage("", "c1", "m2")

		var msg model.NewMessageEvent
		Eventually(messages).Should(Receive(&msg))
		Expect(msg.Message.ID).To(Equal("m2"))
		Expect(server.requests()).To(HaveLen(1))
	})

	It("feeds observers with the full notification", func() {
		observed := make(chan model.NotificationEvent, 16)
		client := notify.New(cfg, notify.WithObserver(func(_ context.Context, e model.NotificationEvent) {
			observed <- e
		}))
		done := start(client)
		defer stop(client, done)

		stream := server.accept()
		stream <- newMessage("5", "c7", "m1")

		var evt model.NotificationEvent
		Eventually(observed).Should(Receive(&evt))
		Expect(evt.Kind).To(Equal(model.NotificationNewMessage))
		Expect(evt.ID).To(Equal("5"))
		Expect(evt.ContactID()).To(Equal("c7"))
		Expect(evt.ReceivedAt).NotTo(BeZero())
	})

	It("stops reconnecting once closed", func() {
		server.failures.Store(1_000_000)
		cfg.ReconnectDelay = time.Hour
		client := notify.New(cfg)
		done := start(client)

		Eventually(server.requests).Should(HaveLen(1))
		client.Close()
		client.Close()
		Eventually(done).Should(Receive(BeNil()))
		Expect(client.Run(ctx)).To(MatchError(notify.ErrClosed))
		Expect(server.requests()).To(HaveLen(1))
	})
})
