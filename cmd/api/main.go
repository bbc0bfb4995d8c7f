package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/config"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/handlers"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/payments"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/saga"
)

const serviceName = "ecoshop-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	awsClients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		logger.Fatal("failed to init aws clients", zap.Error(err))
	}

	bc := broker.NewClient(cfg.Broker(), logger, broker.WithObserver(metrics.ObserveDelivery))
	publisher := bc.NewPublisher(broker.All()...)
	defer publisher.Close()

	opts := clients.Options{Timeout: cfg.HTTPTimeout, Logger: logger}
	store := payments.NewStore(awsClients.DynamoDB, cfg.PaymentsTable)
	relay := payments.NewRelay(store, clients.NewProfiles(cfg.ProfileServiceURL, opts), publisher, cfg.LeaseDuration, logger)

	r := handlers.NewRouter(handlers.Config{
		Service: serviceName,
		Orders: saga.NewInitiator(
			clients.NewCart(cfg.CartServiceURL, opts),
			clients.NewPayment(cfg.PaymentServiceURL, opts),
			cfg.Currency,
			logger,
		),
		Payments: handlers.PaymentsConfig{
			Sessions: payments.NewSessions(store, cfg.CheckoutBaseURL),
			Payments: store,
			Webhooks: payments.NewWebhooks(store, relay, publisher, logger),
		},
		Logger: logger,
	})

	var mirror *metrics.CloudWatchMirror
	if cfg.CloudWatchFlushInterval > 0 {
		mirror = metrics.NewCloudWatchMirror(awsClients.CloudWatch, cfg.MetricsNamespace, serviceName, logger)
	}

	if cfg.RunLocal {
		runLocal(cfg.HTTPAddr, r, mirror, cfg.CloudWatchFlushInterval, logger)
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		if mirror != nil {
			// the execution environment may be frozen after returning
			if ferr := mirror.Flush(ctx); ferr != nil {
				logger.Warn("cloudwatch flush failed", zap.Error(ferr))
			}
		}
		return resp, err
	})
}

func runLocal(addr string, h http.Handler, mirror *metrics.CloudWatchMirror, interval time.Duration, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mirror != nil {
		go mirror.Run(ctx, interval)
	}

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
	}()
	logger.Info("running local server", zap.String("addr", addr))

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
}
