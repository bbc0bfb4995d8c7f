package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/orders"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/purchases"
)

// PurchaseLister reads the purchase history.
type PurchaseLister interface {
	ListByUser(ctx context.Context, userID orders.UserID) ([]purchases.Purchase, error)
}

type purchaseResponse struct {
	PaymentID string                   `json:"payment_id"`
	Products  []orders.ProductQuantity `json:"products"`
	Cart      orders.CartSnapshot      `json:"cart"`
	CreatedAt time.Time                `json:"created_at"`
}

// RegisterPurchaseRoutes registers GET /purchases/:userID.
func RegisterPurchaseRoutes(r gin.IRoutes, lister PurchaseLister, logger *zap.Logger) {
	r.GET("/purchases/:userID", func(c *gin.Context) {
		userID := orders.UserID(c.Param("userID"))
		rows, err := lister.ListByUser(c.Request.Context(), userID)
		if err != nil {
			logger.Error("list purchases", zap.Stringer("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "Failed to load purchases."})
			return
		}
		out := make([]purchaseResponse, 0, len(rows))
		for _, p := range rows {
			out = append(out, purchaseResponse{PaymentID: p.PaymentID, Products: p.Products, Cart: p.Cart, CreatedAt: p.CreatedAt})
		}
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "user_id": userID, "purchases": out})
	})
}
