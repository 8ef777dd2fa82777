package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/eventpipe/libs/config"
	"github.com/md-rashed-zaman/eventpipe/libs/db"
	"github.com/md-rashed-zaman/eventpipe/libs/dlq"
	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventpipe/libs/otel"
	"github.com/md-rashed-zaman/eventpipe/libs/outbox"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
	"github.com/md-rashed-zaman/eventpipe/libs/streams"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type sink interface {
	dlq.Appender
	Close() error
}

func main() {
	service := config.String("SERVICE_NAME", "outbox-relay")
	port, err := config.Port("PORT", "8090")
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
	relayCfg, err := outbox.RelayConfigFromEnv()
	if err != nil {
		panic(err)
	}
	router, err := outbox.TopicRouterFromEnv()
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	table := config.String("OUTBOX_TABLE", outbox.DefaultTable)
	if err := outbox.EnsureSchema(ctx, pool, table); err != nil {
		logger.Error("outbox schema failed", "err", err)
		panic(err)
	}

	// Dead letters always go to Redis, where dlq-tool reads them.
	client, err := streams.Open(ctx, config.String("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = client.Close() }()

	transport, checks, err := openSink(client)
	if err != nil {
		logger.Error("relay sink unavailable", "err", err)
		panic(err)
	}
	defer func() { _ = transport.Close() }()

	relay := outbox.NewRelay(pool, outbox.NewRepository(table), transport, router, logger, relayCfg,
		outbox.WithDeadLetterSink(client))

	checks = append([]runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}, checks...)
	mux := runtime.NewBaseMuxWithReady(checks...)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(10*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "outbox-relay")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("outbox relay started", "table", table, "sink", config.String("RELAY_SINK", "redis"))
		relay.Run(gctx)
		return nil
	})
	g.Go(func() error { return runtime.Serve(gctx, logger, srv) })

	if err := g.Wait(); err != nil {
		logger.Error("outbox relay stopped", "err", err)
		os.Exit(1)
	}
}

// openSink selects where primary events go with RELAY_SINK: Redis Streams
// (default) or Kafka.
func openSink(client *streams.Client) (sink, []runtime.ReadyCheck, error) {
	redisCheck := runtime.ReadyCheck{Name: "redis", Check: streams.ReadyCheck(client)}
	switch kind := config.String("RELAY_SINK", "redis"); kind {
	case "redis":
		return nopCloser{client}, []runtime.ReadyCheck{redisCheck}, nil
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "")
		w, err := kafkax.NewWriter(brokers)
		if err != nil {
			return nil, nil, err
		}
		return w, []runtime.ReadyCheck{redisCheck, {Name: "kafka", Check: kafkax.ReadyCheck(brokers)}}, nil
	default:
		return nil, nil, fmt.Errorf("RELAY_SINK must be redis or kafka (got %q)", kind)
	}
}

// nopCloser leaves closing the shared Redis client to main.
type nopCloser struct{ dlq.Appender }

func (nopCloser) Close() error { return nil }
