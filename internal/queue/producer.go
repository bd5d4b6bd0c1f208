package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/livesync/internal/model"
)

// Producer appends delivered notifications to a Redis stream so other
// local processes can consume them.
type Producer interface {
	Enqueue(ctx context.Context, evt model.NotificationEvent) error
	Close() error
}

type ProducerConfig struct {
	Stream         string
	OrganizationID string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

type redisProducer struct {
	client redis.Cmdable
	closer func() error
	cfg    ProducerConfig
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, cfg ProducerConfig, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		closer: client.Close,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, evt model.NotificationEvent) error {
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	values, err := notificationValues(p.cfg.OrganizationID, evt, traceID)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: values,
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	p.logger.DebugContext(ctx, "enqueued notification", "stream_id", id, "kind", evt.Kind, "contact_id", evt.ContactID())
	return nil
}

func (p *redisProducer) Close() error {
	return p.closer()
}

// Observer adapts a producer to the notification observer signature. It runs
// on the notification stream goroutine, so each write is bounded by timeout
// (zero means unbounded). Failures are logged and never stop the stream.
func Observer(p Producer, timeout time.Duration) func(context.Context, model.NotificationEvent) {
	return func(ctx context.Context, evt model.NotificationEvent) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := p.Enqueue(ctx, evt); err != nil {
			slog.WarnContext(ctx, "notification sink write failed", "error", err, "kind", evt.Kind)
		}
	}
}
