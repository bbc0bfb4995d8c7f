package validation

import (
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with the struct-level money checks registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report JSON field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(placeOrderStructValidation, PlaceOrderRequest{})
	v.RegisterStructValidation(createPaymentStructValidation, CreatePaymentRequest{})

	return v
}

func placeOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PlaceOrderRequest)
	if req.VoucherValue != nil && req.VoucherValue.IsNegative() {
		sl.ReportError(req.VoucherValue, "voucherValue", "VoucherValue", "not_negative", "")
	}
}

// createPaymentStructValidation checks that a voucher payment charges the
// original amount less the voucher, floored at zero, to the cent.
func createPaymentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreatePaymentRequest)

	if req.Amount.IsNegative() {
		sl.ReportError(req.Amount, "amount", "Amount", "not_negative", "")
		return
	}
	if req.VoucherValue == nil || req.OriginalAmount == nil {
		return
	}
	if req.VoucherValue.IsNegative() {
		sl.ReportError(req.VoucherValue, "voucherValue", "VoucherValue", "not_negative", "")
		return
	}
	want := decimal.Max(req.OriginalAmount.Sub(*req.VoucherValue), decimal.Zero)
	if !want.Round(2).Equal(req.Amount.Round(2)) {
		sl.ReportError(req.Amount, "amount", "Amount", "amount_match_voucher",
			fmt.Sprintf("original %s less voucher %s != amount %s", req.OriginalAmount, req.VoucherValue, req.Amount))
	}
}
