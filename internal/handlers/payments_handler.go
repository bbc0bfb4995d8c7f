package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/payments"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/validation"
)

// SessionCreator opens pending payments.
type SessionCreator interface {
	Create(ctx context.Context, req payments.SessionRequest) (*payments.Session, error)
}

// PaymentReader loads payment records.
type PaymentReader interface {
	Get(ctx context.Context, paymentID string) (*payments.Record, error)
}

// WebhookHandler applies processor callbacks.
type WebhookHandler interface {
	Handle(ctx context.Context, ev payments.WebhookEvent) error
}

// PaymentsConfig groups dependencies for the payment routes.
type PaymentsConfig struct {
	Sessions SessionCreator
	Payments PaymentReader
	Webhooks WebhookHandler
	Logger   *zap.Logger
}

// RegisterPaymentRoutes registers POST /payment, GET /payment/:id and POST /payment/webhook.
func RegisterPaymentRoutes(r gin.IRoutes, cfg PaymentsConfig, v *validatorv10.Validate) {
	r.POST("/payment", func(c *gin.Context) {
		var req validation.CreatePaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		session, err := cfg.Sessions.Create(c.Request.Context(), payments.SessionRequest{
			UserID:         req.UserID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Cart:           req.Cart,
			VoucherID:      req.VoucherID,
			VoucherValue:   req.VoucherValue,
			OriginalAmount: req.OriginalAmount,
		})
		if err != nil {
			cfg.Logger.Error("create payment session", zap.Stringer("user_id", req.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to create payment session."})
			return
		}
		c.JSON(http.StatusCreated, session)
	})

	r.GET("/payment/:id", func(c *gin.Context) {
		id := c.Param("id")
		rec, err := cfg.Payments.Get(c.Request.Context(), id)
		if err != nil {
			cfg.Logger.Error("load payment", zap.String("payment_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to load payment."})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "Payment not found."})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	// Any error answers 500 so the processor redelivers the callback.
	r.POST("/payment/webhook", func(c *gin.Context) {
		var ev payments.WebhookEvent
		if err := validation.BindAndValidate(c, &ev, v); err != nil {
			return
		}
		if err := cfg.Webhooks.Handle(c.Request.Context(), ev); err != nil {
			cfg.Logger.Error("webhook", zap.String("type", ev.Type), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Webhook not processed."})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	})
}
