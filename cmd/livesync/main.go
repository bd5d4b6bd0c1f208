package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/livesync/common/id"
	"basegraph.app/livesync/common/logger"
	"basegraph.app/livesync/common/otel"
	"basegraph.app/livesync/core/config"
	"basegraph.app/livesync/internal/http/handler"
	"basegraph.app/livesync/internal/http/middleware"
	httprouter "basegraph.app/livesync/internal/http/router"
	"basegraph.app/livesync/internal/liveness"
	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/notify"
	"basegraph.app/livesync/internal/presence"
	"basegraph.app/livesync/internal/queue"
	"basegraph.app/livesync/internal/schema"
	"basegraph.app/livesync/internal/session"
)

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		run()
	case "schema":
		printSchemas(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: livesync [run|schema [name]]\n")
		os.Exit(2)
	}
}

func printSchemas(args []string) {
	docs := schema.Generate()
	if len(args) > 0 {
		doc, ok := schema.Find(args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown payload %q\n", args[0])
			os.Exit(1)
		}
		docs = []schema.Document{doc}
	}
	if err := schema.Write(os.Stdout, docs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() {
	fmt.Fprintf(os.Stderr, "%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "livesync starting",
		"env", cfg.Env,
		"base_url", cfg.BaseURL,
		"user_id", cfg.Identity.UserID,
		"organization_id", cfg.Identity.OrganizationID)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	hub := handler.NewNotificationHub(64)
	opts := []session.Option{session.WithNotificationObserver(hub.Publish)}

	var producer queue.Producer
	if cfg.Sink.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Sink.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Sink.RedisStream)

		producer = queue.NewRedisProducer(redisClient, queue.ProducerConfig{
			Stream:         cfg.Sink.RedisStream,
			OrganizationID: cfg.Identity.OrganizationID,
			MaxLen:         10_000,
		}, nil)
		opts = append(opts, session.WithNotificationObserver(queue.Observer(producer, 2*time.Second)))
	}

	sess, err := session.New(cfg, identityFromConfig(cfg.Identity), opts...)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create session", "error", err)
		os.Exit(1)
	}
	sess.SetHandlers(notify.Handlers{
		OnNewMessage: func(e model.NewMessageEvent) {
			slog.Info("new message",
				"contact_id", e.ContactID,
				"message_id", e.Message.ID,
				"direction", e.Message.Direction)
		},
		OnConvUpdated: func(e model.ConvUpdatedEvent) {
			slog.Info("conversation updated",
				"contact_id", e.ContactID,
				"conv_status", e.ConvStatus)
		},
	})
	sess.Presence().Subscribe(func(s presence.State) {
		slog.Info("presence channel state changed", "state", s)
	})

	var server *http.Server
	if cfg.LocalAPI.Enabled() {
		if cfg.IsProduction() {
			gin.SetMode(gin.ReleaseMode)
		}
		server = &http.Server{
			Addr:              cfg.LocalAPI.Addr,
			Handler:           setupRouter(cfg, sess, hub),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.InfoContext(ctx, "local api starting", "addr", cfg.LocalAPI.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.ErrorContext(ctx, "local api error", "error", err)
			}
		}()
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	done := make(chan error, 1)
	go func() { done <- sess.Run(runCtx) }()
	go readInput(runCtx, os.Stdin, sess)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				sess.Signal(liveness.SignalHidden)
			case syscall.SIGUSR2:
				sess.Signal(liveness.SignalVisible)
			case syscall.SIGHUP:
				if !sess.RetryPresence() {
					slog.InfoContext(ctx, "presence channel not failed, nothing to retry")
				}
			default:
				break wait
			}
		case err := <-done:
			if err != nil {
				slog.ErrorContext(ctx, "session stopped", "error", err)
			}
			break wait
		}
	}

	slog.InfoContext(ctx, "shutting down...")

	// unload: best-effort offline before the sockets close
	sess.Close()
	stopRun()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.WarnContext(shutdownCtx, "session did not stop in time")
	}

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "local api shutdown error", "error", err)
		}
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			slog.ErrorContext(shutdownCtx, "redis close error", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func identityFromConfig(c config.IdentityConfig) model.Identity {
	return model.Identity{
		UserID:         c.UserID,
		UserName:       c.UserName,
		UserEmail:      c.UserEmail,
		UserImage:      c.UserImage,
		UserRole:       c.UserRole,
		OrganizationID: c.OrganizationID,
	}
}

func setupRouter(cfg config.Config, sess *session.Session, hub *handler.NotificationHub) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, httprouter.RouterConfig{
		Roster:          sess.Roster(),
		Session:         sess,
		Hub:             hub,
		StreamKeepAlive: 25 * time.Second,
	})

	return router
}

const banner = `
██╗     ██╗██╗   ██╗███████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██║     ██║██║   ██║██╔════╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ██║██║   ██║█████╗  ███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║     ██║╚██╗ ██╔╝██╔══╝  ╚════██║  ╚██╔╝  ██║╚██╗██║██║
███████╗██║ ╚████╔╝ ███████╗███████║   ██║   ██║ ╚████║╚██████╗
╚══════╝╚═╝  ╚═══╝  ╚══════╝╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`
