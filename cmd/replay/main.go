package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/config"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/deadletter"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
)

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

	bc := broker.NewClient(cfg.Broker(), logger, broker.WithObserver(metrics.ObserveDelivery))
	publisher := bc.NewPublisher(broker.All()...)
	defer publisher.Close()

	replayer := deadletter.NewReplayer(publisher, logger)

	// RUN_LOCAL replays one message built from the environment.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"message":"complete transaction","payment_id":"local-payment-1","userID":1}`
		}
		exchange := os.Getenv("LOCAL_EXCHANGE")
		if exchange == "" {
			exchange = broker.PlaceOrderExchange
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{
				MessageId: "local-1",
				Body:      body,
				MessageAttributes: map[string]events.SQSMessageAttribute{
					deadletter.AttrExchange:   {DataType: "String", StringValue: &exchange},
					deadletter.AttrRoutingKey: {DataType: "String", StringValue: strPtr(os.Getenv("LOCAL_ROUTING_KEY"))},
				},
			}},
		}
		if err := replayer.Handle(context.Background(), event); err != nil {
			logger.Fatal("local replay failed", zap.Error(err))
		}
		return
	}

	lambda.Start(replayer.Handle)
}

func strPtr(s string) *string { return &s }
