package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrEmptyCart is returned when an intent is built from a cart with no items.
var ErrEmptyCart = errors.New("cart is empty")

// Voucher reduces the charged amount.
type Voucher struct {
	ID    string
	Value decimal.Decimal
}

// Intent is the order captured at saga start. It is not persisted; the
// payment record keeps the cart snapshot.
type Intent struct {
	UserID  UserID
	Cart    CartSnapshot
	Lines   []CartLine
	Total   decimal.Decimal // cart total before any voucher
	Voucher *Voucher
	Amount  decimal.Decimal // amount to charge, never negative
}

// NewIntent validates the cart and applies the voucher.
func NewIntent(userID UserID, cart CartSnapshot, total decimal.Decimal, voucher *Voucher) (Intent, error) {
	if len(cart) == 0 {
		return Intent{}, ErrEmptyCart
	}
	lines, err := cart.Lines()
	if err != nil {
		return Intent{}, err
	}
	if total.IsNegative() {
		return Intent{}, fmt.Errorf("negative cart total %s", total)
	}

	amount := total
	if voucher != nil {
		amount = total.Sub(voucher.Value)
		if amount.IsNegative() {
			amount = decimal.Zero
		}
	}

	return Intent{
		UserID:  userID,
		Cart:    cart,
		Lines:   lines,
		Total:   total,
		Voucher: voucher,
		Amount:  amount.Round(2),
	}, nil
}

// Products returns the per-product quantities of the intent.
func (i Intent) Products() []ProductQuantity { return Quantities(i.Lines) }
