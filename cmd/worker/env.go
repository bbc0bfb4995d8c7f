package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/config"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/deadletter"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/handlers"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/idempotency"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
)

// env is what every subcommand shares.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	aws    *aws.AWSClients
	broker *broker.Client
	http   clients.Options
	routes []func(gin.IRoutes)
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	awsClients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	logger.Info("aws clients ready", zap.String("region", awsClients.Region))

	opts := []broker.Option{broker.WithObserver(metrics.ObserveDelivery)}
	if cfg.DeadLetterQueueURL != "" {
		sink := deadletter.NewSQSSink(aws.NewPublisher(awsClients.SQS, cfg.DeadLetterQueueURL), logger)
		opts = append(opts, broker.WithDeadLetterSink(sink))
	} else {
		logger.Warn("DEAD_LETTER_QUEUE_URL not set, failed deliveries are rejected")
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		aws:    awsClients,
		broker: broker.NewClient(cfg.Broker(), logger, opts...),
		http:   clients.Options{Timeout: cfg.HTTPTimeout, Logger: logger},
	}, nil
}

func (e *env) ledger() *idempotency.Store {
	return idempotency.NewStore(e.aws.DynamoDB, e.cfg.IdempotencyTable, e.cfg.LedgerTTL, e.cfg.LeaseDuration)
}

// consumer binds a handler to one queue of a topology.
type consumer struct {
	topology broker.Topology
	queue    string
	handle   broker.Handler
}

// serve adds routes to the worker's HTTP server.
func (e *env) serve(register func(gin.IRoutes)) {
	e.routes = append(e.routes, register)
}

// run serves /health, /metrics and any extra routes and consumes every queue
// until a signal arrives or one consumer fails.
func (e *env) run(ctx context.Context, service string, consumers ...consumer) error {
	defer e.logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterHealthRoutes(router)
	for _, register := range e.routes {
		register(router)
	}
	srv := &http.Server{Addr: e.cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("health server failed", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if e.cfg.CloudWatchFlushInterval > 0 {
		mirror := metrics.NewCloudWatchMirror(e.aws.CloudWatch, e.cfg.MetricsNamespace, service, e.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(ctx, e.cfg.CloudWatchFlushInterval)
		}()
	}

	errs := make(chan error, len(consumers))
	for _, c := range consumers {
		wg.Add(1)
		go func(c consumer) {
			defer wg.Done()
			if err := e.broker.Consume(ctx, c.topology.Only(c.queue), c.queue, c.handle); err != nil {
				errs <- fmt.Errorf("%s: %w", c.queue, err)
				cancel()
			}
		}(c)
	}
	e.logger.Info("worker started", zap.String("service", service), zap.Int("consumers", len(consumers)))

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("health server shutdown", zap.Error(err))
	}

	close(errs)
	var err error
	for cerr := range errs {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		e.logger.Error("worker stopped", zap.Error(err))
		return err
	}
	e.logger.Info("worker stopped")
	return nil
}
