// Package ledger holds the sale status machine and the return arithmetic.
// Functions here are pure: they take a sale by value and hand back an updated
// copy, leaving persistence and restocking to the caller.
package ledger

import (
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"shakerin/backend/internal/domain"
)

var (
	ErrItemNotFound           = errors.New("item not found in sale")
	ErrInvalidReturnQuantity  = errors.New("invalid return quantity")
	ErrInvalidStateTransition = errors.New("invalid sale status transition")
)

var transitions = map[string][]string{
	domain.SaleStatusPending:       {domain.SaleStatusConfirmed, domain.SaleStatusReturned, domain.SaleStatusPartialReturn},
	domain.SaleStatusConfirmed:     {domain.SaleStatusReturned, domain.SaleStatusPartialReturn},
	domain.SaleStatusPartialReturn: {domain.SaleStatusReturned, domain.SaleStatusPartialReturn},
}

func CanTransition(from string, to string) bool {
	return slices.Contains(transitions[from], to)
}

// Line is one validated cart line paired with the product it was priced from.
type Line struct {
	Product  domain.Product
	Quantity int
}

// Restock is a quantity that must go back on the shelf.
type Restock struct {
	ProductID string
	Quantity  int
}

func NewSale(id string, at time.Time, sellerID string, customerName string, customerPhone string, lines []Line) domain.Sale {
	items := make([]domain.SaleItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.SaleItem{
			ProductID:   line.Product.ID,
			ProductName: line.Product.Name,
			Price:       line.Product.Price,
			CostPrice:   line.Product.CostPrice,
			Quantity:    line.Quantity,
			Total:       line.Product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
		})
	}

	return domain.Sale{
		ID:            id,
		Date:          at,
		Items:         items,
		TotalAmount:   Total(items),
		SellerID:      sellerID,
		CustomerName:  customerName,
		CustomerPhone: customerPhone,
		Status:        domain.SaleStatusPending,
	}
}

// Total is the net remaining value of the items, recomputed from scratch.
func Total(items []domain.SaleItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Remaining()))))
	}
	return total
}

// Profit is the net margin of the units that were not returned.
func Profit(items []domain.SaleItem) decimal.Decimal {
	profit := decimal.Zero
	for _, item := range items {
		unit := item.Price.Sub(item.CostPrice)
		profit = profit.Add(unit.Mul(decimal.NewFromInt(int64(item.Remaining()))))
	}
	return profit
}

func Confirm(sale domain.Sale) (domain.Sale, error) {
	if !CanTransition(sale.Status, domain.SaleStatusConfirmed) {
		return domain.Sale{}, ErrInvalidStateTransition
	}
	out := clone(sale)
	out.Status = domain.SaleStatusConfirmed
	return out, nil
}

// PartialReturn returns qty units of one line. The returned sale has its
// total recomputed and its status moved to partial_return, or to returned
// once every unit on every line is back.
func PartialReturn(sale domain.Sale, productID string, qty int) (domain.Sale, error) {
	idx := slices.IndexFunc(sale.Items, func(item domain.SaleItem) bool {
		return item.ProductID == productID
	})
	if idx < 0 {
		return domain.Sale{}, ErrItemNotFound
	}
	if qty <= 0 || qty > sale.Items[idx].Remaining() {
		return domain.Sale{}, ErrInvalidReturnQuantity
	}

	out := clone(sale)
	out.Items[idx].ReturnedQuantity += qty
	out.TotalAmount = Total(out.Items)

	next := domain.SaleStatusPartialReturn
	if fullyReturned(out.Items) {
		next = domain.SaleStatusReturned
	}
	if !CanTransition(sale.Status, next) {
		return domain.Sale{}, ErrInvalidStateTransition
	}
	out.Status = next
	return out, nil
}

// FullReturn voids the whole sale. Only units not already returned are
// handed back for restocking, so calling it twice restocks nothing the
// second time.
func FullReturn(sale domain.Sale) (domain.Sale, []Restock) {
	out := clone(sale)
	restocks := make([]Restock, 0, len(out.Items))
	for i := range out.Items {
		if remaining := out.Items[i].Remaining(); remaining > 0 {
			restocks = append(restocks, Restock{ProductID: out.Items[i].ProductID, Quantity: remaining})
		}
		out.Items[i].ReturnedQuantity = out.Items[i].Quantity
	}
	out.TotalAmount = Total(out.Items)
	out.Status = domain.SaleStatusReturned
	return out, restocks
}

func fullyReturned(items []domain.SaleItem) bool {
	for _, item := range items {
		if item.ReturnedQuantity != item.Quantity {
			return false
		}
	}
	return true
}

func clone(sale domain.Sale) domain.Sale {
	out := sale
	out.Items = slices.Clone(sale.Items)
	return out
}
