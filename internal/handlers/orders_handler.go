package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/saga"
	"github.com/imrishuroy/ecoshop-fulfillment/internal/validation"
)

// OrderPlacer starts the order saga.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, in saga.PlaceOrderInput) saga.Result
}

// RegisterOrdersRoutes registers POST /place_order.
func RegisterOrdersRoutes(r gin.IRoutes, placer OrderPlacer, v *validatorv10.Validate) {
	r.POST("/place_order", func(c *gin.Context) {
		var req validation.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "Invalid request body.", "error": err.Error()})
			return
		}
		if err := v.Struct(req); err != nil {
			msg := "Validation failed."
			if validation.HasField(err, "userID") {
				msg = "User ID is required."
			}
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": msg, "fields": validation.FieldErrors(err)})
			return
		}

		res := placer.PlaceOrder(c.Request.Context(), saga.PlaceOrderInput{
			UserID:       req.UserID,
			VoucherID:    req.VoucherID,
			VoucherValue: req.VoucherValue,
		})
		c.JSON(res.Code, res)
	})
}
