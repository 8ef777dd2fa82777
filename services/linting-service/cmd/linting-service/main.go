package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/consumer"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/events"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"github.com/md-rashed-zaman/eventpipe/services/linting-service/internal/rules"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type source interface {
	consumer.Transport
	consumer.HealthSource
}

func main() {
	service := config.String("SERVICE_NAME", "linting-service")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	consumerCfg, err := consumer.ConfigFromEnv(consumer.Config{
		Group:  "linting-service",
		Domain: rules.Domain,
		Schema: rules.Schema,
		Topics: []string{"identity.user.v1"},
	})
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()
	if err := rules.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema setup failed", "err", err)
		panic(err)
	}

	client, err := streams.Open(ctx, config.String("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = client.Close() }()

	registry := consumer.NewRegistry()
	if err := rules.NewHandlers().Register(registry); err != nil {
		panic(err)
	}
	src, sourceChecks, closeSource, err := openSource(client, consumerCfg)
	if err != nil {
		logger.Error("event source unavailable", "err", err)
		panic(err)
	}
	defer func() { _ = closeSource() }()

	eventConsumer := consumer.New(src, pool, registry, events.NewUserDecoder(), logger, consumerCfg)
	reclaimer := consumer.NewReclaimer(eventConsumer)

	checks := append([]runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "redis", Check: streams.ReadyCheck(client)},
	}, sourceChecks...)
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/streamz", consumer.StreamzHandler(src, eventConsumer.Config().Topics))
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(10*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "linting")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eventConsumer.Run(gctx) })
	g.Go(func() error { return reclaimer.Run(gctx) })
	g.Go(func() error { return runtime.Serve(gctx, logger, srv) })

	if err := g.Wait(); err != nil {
		logger.Error("linting service stopped", "err", err)
		os.Exit(1)
	}
}

// openSource selects where events are read from with CONSUMER_SOURCE: Redis
// Streams (default) or Kafka. Dead letters go to Redis either way.
func openSource(client *streams.Client, cfg consumer.Config) (source, []runtime.ReadyCheck, func() error, error) {
	switch kind := config.String("CONSUMER_SOURCE", "redis"); kind {
	case "redis":
		return client, nil, func() error { return nil }, nil
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "")
		reader, err := kafkax.NewReader(kafkax.ReaderConfig{Brokers: brokers, Group: cfg.Group, Topics: cfg.Topics}, client)
		if err != nil {
			return nil, nil, nil, err
		}
		return reader, []runtime.ReadyCheck{{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}}, reader.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("CONSUMER_SOURCE must be redis or kafka (got %q)", kind)
	}
}
