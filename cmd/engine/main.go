package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/example/notifications-engine/internal/aggregation"
	"github.com/example/notifications-engine/internal/cache"
	"github.com/example/notifications-engine/internal/config"
	"github.com/example/notifications-engine/internal/dedup"
	"github.com/example/notifications-engine/internal/feedback"
	"github.com/example/notifications-engine/internal/health"
	"github.com/example/notifications-engine/internal/httpapi"
	"github.com/example/notifications-engine/internal/kafka/consumer"
	"github.com/example/notifications-engine/internal/kafka/producer"
	kafkapublisher "github.com/example/notifications-engine/internal/kafka/publisher"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/pipeline"
	"github.com/example/notifications-engine/internal/processors/connector"
	"github.com/example/notifications-engine/internal/processors/drawer"
	"github.com/example/notifications-engine/internal/processors/email"
	"github.com/example/notifications-engine/internal/processors/webhook"
	"github.com/example/notifications-engine/internal/reinject"
	"github.com/example/notifications-engine/internal/routing"
	"github.com/example/notifications-engine/internal/store"
	"github.com/example/notifications-engine/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", cfg.Telemetry.ServiceName).Logger()

	if cfg.Telemetry.TracingStdout {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise tracing")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to flush traces")
			}
		}()
	}

	reg := metrics.NewRegistry()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, store.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	var seed *store.Seed
	if cfg.Seed.File != "" {
		seed, err = store.LoadSeed(cfg.Seed.File)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load seed file")
		}
		if err := st.ApplySeed(ctx, seed); err != nil {
			log.Fatal().Err(err).Msg("failed to apply seed")
		}
		log.Info().Str("file", cfg.Seed.File).Msg("seed applied")
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis client")
			}
		}()
	}

	kafkaLogger := log.With().Str("component", "kafka").Logger()
	prod, err := producer.New(cfg.Kafka.Brokers, kafkaLogger, producer.WithClientID(cfg.Telemetry.ServiceName))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka producer")
	}
	defer func() {
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}()
	connectorPublisher := kafkapublisher.NewConnectorPublisher(prod, cfg.Topics.Connector, kafkaLogger)
	ingressPublisher := kafkapublisher.NewIngressPublisher(prod, cfg.Topics.Ingress, kafkaLogger)

	// The in-process sink needs the pipeline, which is built last.
	var pipe *pipeline.Pipeline
	var reinjector *reinject.Reinjector
	if cfg.Processing.ReinjectEnabled {
		var sink reinject.Sink = reinject.KafkaSink{Publisher: ingressPublisher}
		if !cfg.Processing.ReinjectViaKafka {
			sink = reinject.PipelineSink{Ingester: reinject.IngesterFunc(func(ctx context.Context, payload []byte, headers map[string][]byte) error {
				return pipe.IngestRaw(ctx, payload, headers)
			})}
		}
		reinjector = reinject.New(sink, reg, log)
	}

	trackerOpts := []health.Option{
		health.WithThreshold(cfg.Processing.MaxServerErrors),
		health.WithMetrics(reg),
	}
	if reinjector != nil {
		trackerOpts = append(trackerOpts, health.WithNotifier(reinjector))
	}
	tracker := health.NewTracker(st, log, trackerOpts...)

	webhookProcessor := webhook.New(tracker, reg, log,
		webhook.WithTimeout(cfg.Processing.WebhookTimeout),
		webhook.WithBreakerSettings(webhook.BreakerSettings{
			MaxRequests:         uint32(cfg.Breaker.MaxRequests),
			Interval:            cfg.Breaker.Interval,
			Timeout:             cfg.Breaker.Timeout,
			ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
		}),
	)
	processorRegistry := routing.NewRegistry(map[models.EndpointType]routing.Processor{
		models.EndpointWebhook:           webhookProcessor,
		models.EndpointAnsible:           webhookProcessor,
		models.EndpointCamel:             connector.New(connectorPublisher, log),
		models.EndpointEmailSubscription: email.New(st, connectorPublisher, log),
		models.EndpointDrawer:            drawer.New(st, log),
	})
	dispatcher := routing.NewDispatcher(processorRegistry, st, reg, log)

	var sections, digests map[string]string
	if seed != nil {
		sections, digests = seed.Templates.Sections, seed.Templates.Digests
	}
	aggEngine, err := aggregation.NewEngine(aggregation.Dependencies{
		Store:      st,
		Dispatcher: dispatcher,
		Renderer:   aggregation.NewTemplateRenderer(sections, digests),
		PageSize:   cfg.Aggregation.PageSize,
		Metrics:    reg,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise aggregation engine")
	}
	runnerOpts := []aggregation.RunnerOption{
		aggregation.WithWorkers(cfg.Aggregation.Workers),
		aggregation.WithRunnerLogger(log),
	}
	if redisClient != nil {
		runnerOpts = append(runnerOpts, aggregation.WithLocker(cache.NewLocker(redisClient, "notifications:lock:", cfg.Redis.LockTTL)))
	}
	runner := aggregation.NewRunner(aggEngine, runnerOpts...)

	dedupOpts := []dedup.Option{dedup.WithLogger(log)}
	if redisClient != nil {
		dedupOpts = append(dedupOpts, dedup.WithCache(cache.NewSeenSet(redisClient, "notifications:seen:", cfg.Redis.DedupTTL)))
	}
	deduplicator, err := dedup.New(st, dedupOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise deduplicator")
	}

	pipe, err = pipeline.New(pipeline.Dependencies{
		Store:        st,
		Dedup:        deduplicator,
		Resolver:     routing.NewResolver(st, log),
		Dispatcher:   dispatcher,
		Aggregations: runner,
		Blacklist:    cfg.Processing.BlacklistedEventTypes,
		MaxBytes:     cfg.Processing.MsgMaxBytes,
		Metrics:      reg,
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise pipeline")
	}

	feedbackDeps := feedback.Dependencies{Store: st, Tracker: tracker, Metrics: reg, Logger: log}
	if reinjector != nil {
		feedbackDeps.Reporter = reinjector
	}
	feedbackHandler, err := feedback.NewHandler(feedbackDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise feedback handler")
	}

	ingressCons, ingressEngine := newStream(cfg, log, reg, "ingress", cfg.ConsumerGroups.Ingress, cfg.Topics.Ingress, worker.HandlerFunc(pipe.IngestRaw), nil)
	feedbackCons, feedbackEngine := newStream(cfg, log, reg, "feedback", cfg.ConsumerGroups.Feedback, cfg.Topics.Return, feedbackHandler,
		func(err error) bool { return errors.Is(err, feedback.ErrMalformed) })

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			Probes: map[string]httpapi.Probe{
				"database": st.Ping,
				"producer": prod.Ping,
				"ingress":  consumerProbe(ingressCons),
				"feedback": consumerProbe(feedbackCons),
			},
			Metrics:   reg,
			Endpoints: st,
			Enabler:   tracker,
			Timeout:   time.Duration(cfg.Health.HandlerTimeoutMs) * time.Millisecond,
			Logger:    log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The runner outlives the consumers so builds submitted by in-flight
	// records still drain.
	runnerCtx, stopRunner := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRunner()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(runnerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(ingressCons.Run(gctx, worker.KafkaHandler(ingressEngine, ingressCons)))
	})
	g.Go(func() error {
		return ignoreCanceled(feedbackCons.Run(gctx, worker.KafkaHandler(feedbackEngine, feedbackCons)))
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("ingress_topic", cfg.Topics.Ingress).
		Str("return_topic", cfg.Topics.Return).
		Int("health_port", cfg.Health.Port).
		Msg("notifications engine started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("notifications engine stopped with error")
	}

	ingressEngine.Wait()
	feedbackEngine.Wait()
	stopRunner()
	if err := <-runnerDone; err != nil {
		log.Error().Err(err).Msg("aggregation runner stopped with error")
	}
	for _, c := range []*consumer.Consumer{ingressCons, feedbackCons} {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}
	log.Info().Msg("notifications engine stopped")
}

func newStream(cfg *config.Config, log zerolog.Logger, reg *metrics.Registry, name, group, topic string, h worker.Handler, permanent func(error) bool) (*consumer.Consumer, *worker.Engine) {
	cons, err := consumer.New(cfg.Kafka.Brokers, group, []string{topic}, log.With().Str("component", name+"-consumer").Logger(),
		consumer.WithClientID(cfg.Telemetry.ServiceName),
		consumer.WithManualCommit(true),
	)
	if err != nil {
		log.Fatal().Err(err).Str("stream", name).Msg("failed to create kafka consumer")
	}
	eng, err := worker.NewEngine(worker.Config{
		Name:                name,
		MaxAttempts:         cfg.Processing.MaxAttempts,
		BaseBackoff:         cfg.Processing.BaseBackoff,
		MaxBackoff:          cfg.Processing.MaxBackoff,
		Concurrency:         cfg.Processing.WorkerConcurrency,
		CommitOnSuccessOnly: cfg.Processing.CommitOnSuccessOnly,
	}, worker.Dependencies{
		Handler:   h,
		Permanent: permanent,
		Metrics:   reg,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Str("stream", name).Msg("failed to initialise worker engine")
	}
	return cons, eng
}

func consumerProbe(c *consumer.Consumer) httpapi.Probe {
	return func(context.Context) error {
		if !c.IsReady() {
			return errors.New("consumer group not joined")
		}
		return nil
	}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("notifications engine init failed")
}
