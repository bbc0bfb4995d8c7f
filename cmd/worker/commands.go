package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/broker"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/clients"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/config"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/handlers"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/payments"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/purchases"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/rewards"
)

// originName is the sender shown on delivery orders.
const originName = "Sustainamart"

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Confirm payments from payment_queue and broadcast completion events",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			publisher := e.broker.NewPublisher(broker.PlaceOrder)
			defer publisher.Close()

			relay := payments.NewRelay(
				payments.NewStore(e.aws.DynamoDB, e.cfg.PaymentsTable),
				clients.NewProfiles(e.cfg.ProfileServiceURL, e.http),
				publisher,
				e.cfg.LeaseDuration,
				e.logger,
			)
			return e.run(cmd.Context(), "relay", consumer{broker.Payment, broker.PaymentQueue, relay.HandleNotification})
		},
	}
}

func stockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stock",
		Short: "Reduce product stock for completed orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			c := fulfillment.NewConsumer(fulfillment.ConsumerStock, e.ledger(),
				fulfillment.ReduceStock(clients.NewProduct(e.cfg.ProductServiceURL, e.http)), e.logger)
			return e.run(cmd.Context(), "stock", consumer{broker.PlaceOrder, broker.ProductQueue, c.Handle})
		},
	}
}

func cartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cart",
		Short: "Clear the buyer's cart for completed orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			c := fulfillment.NewConsumer(fulfillment.ConsumerCart, e.ledger(),
				fulfillment.ClearCart(clients.NewCart(e.cfg.CartServiceURL, e.http)), e.logger)
			return e.run(cmd.Context(), "cart", consumer{broker.PlaceOrder, broker.CartClearQueue, c.Handle})
		},
	}
}

func deliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delivery",
		Short: "Book deliveries for completed orders and trigger the confirmation email",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			publisher := e.broker.NewPublisher(broker.Email)
			defer publisher.Close()

			origin := orders.Profile{UserID: "0", Name: originName, Address: e.cfg.DeliveryOriginAddress}
			booker := clients.NewDelivery(e.cfg.DeliveryServiceURL, e.cfg.DeliveryAPIKey, e.http)
			c := fulfillment.NewConsumer(fulfillment.ConsumerDelivery, e.ledger(),
				fulfillment.BookDelivery(booker, publisher, origin), e.logger)
			return e.run(cmd.Context(), "delivery", consumer{broker.PlaceOrder, broker.DeliveryQueue, c.Handle})
		},
	}
}

func purchasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purchases",
		Short: "Record purchase history for completed orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.PostgresDSN == "" {
				return errors.New("POSTGRES_DSN is required")
			}
			db, err := purchases.Open(cmd.Context(), e.cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := purchases.NewRepository(db, e.logger)
			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}

			var recommender fulfillment.Recommender
			if e.cfg.RecommendationServiceURL != "" {
				recommender = clients.NewRecommendation(e.cfg.RecommendationServiceURL, e.http)
			}
			c := fulfillment.NewConsumer(fulfillment.ConsumerPurchases, e.ledger(),
				fulfillment.RecordPurchase(repo, recommender, e.logger), e.logger)
			e.serve(func(r gin.IRoutes) { handlers.RegisterPurchaseRoutes(r, repo, e.logger) })
			return e.run(cmd.Context(), "purchases", consumer{broker.PlaceOrder, broker.RecommendationQueue, c.Handle})
		},
	}
}

func emailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "email",
		Short: "Send order confirmations and user notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			mailer := clients.NewMailer(e.cfg.MailerURL, e.http)
			orderEmails := fulfillment.NewConsumer(fulfillment.ConsumerEmail, e.ledger(),
				fulfillment.SendOrderEmail(mailer), e.logger)
			notifications := fulfillment.NewNotifications(mailer, e.logger)
			return e.run(cmd.Context(), "email",
				consumer{broker.Email, broker.SendEmailQueue, orderEmails.Handle},
				consumer{broker.Notification, broker.NotificationEmailQueue, notifications.Handle},
			)
		},
	}
}

func rewardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewards",
		Short: "Run the reward orchestrator over events.topic and completed orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			dedup, closeDedup, err := newDeduper(cmd.Context(), e)
			if err != nil {
				return err
			}
			defer closeDedup()

			var opts []rewards.Option
			if e.cfg.DedupMode != config.DedupMemory {
				opts = append(opts, rewards.WithCorrelatedKeys())
			}
			o := rewards.NewOrchestrator(dedup,
				clients.NewWallet(e.cfg.WalletServiceURL, e.http),
				clients.NewMission(e.cfg.MissionServiceURL, e.http),
				e.logger, opts...)
			return e.run(cmd.Context(), "rewards",
				consumer{broker.Events, broker.RewardQueue, o.HandleTopic},
				consumer{broker.PlaceOrder, broker.RewardPurchaseQueue, o.HandlePurchase},
			)
		},
	}
}

// newDeduper picks the dedup store for DEDUP_MODE.
func newDeduper(ctx context.Context, e *env) (rewards.Deduper, func(), error) {
	switch e.cfg.DedupMode {
	case config.DedupLedger:
		return rewards.NewLedgerDeduper(e.ledger()), func() {}, nil
	case config.DedupRedis:
		rdb := redis.NewClient(&redis.Options{Addr: e.cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		e.logger.Info("Redis connection established", zap.String("addr", e.cfg.RedisAddr))
		return rewards.NewRedisDeduper(rdb, e.cfg.DedupTTL), func() { _ = rdb.Close() }, nil
	default:
		return rewards.NewMemoryDeduper(e.cfg.DedupCapacity), func() {}, nil
	}
}

func topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare every exchange, queue and binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			return e.broker.DeclareTopology(cmd.Context(), broker.All()...)
		},
	}
}

func emitCmd() *cobra.Command {
	var ev rewards.Event
	var user string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish one reward event to events.topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.UserID = orders.UserID(user)
			if _, err := rewards.RoutingKey(ev.Type); err != nil {
				return err
			}
			e, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			publisher := e.broker.NewPublisher(broker.Events.ExchangeOnly())
			defer publisher.Close()

			if err := rewards.NewEmitter(publisher).Emit(cmd.Context(), ev); err != nil {
				return err
			}
			e.logger.Info("reward event emitted", zap.String("type", ev.Type), zap.String("user_id", user))
			return nil
		},
	}

	cmd.Flags().StringVarP(&ev.Type, "type", "t", "", "Event type (TRADE_IN_SUCCESS, ECO_PURCHASE, MISSION_COMPLETED)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id")
	cmd.Flags().IntVarP(&ev.RewardPoints, "points", "p", 0, "Reward points for MISSION_COMPLETED")
	cmd.Flags().StringVar(&ev.PaymentID, "payment-id", "", "Correlated payment id")
	cmd.Flags().StringVar(&ev.TradeID, "trade-id", "", "Correlated trade id")
	cmd.Flags().StringVar(&ev.MissionID, "mission-id", "", "Correlated mission id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
