package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shakerin/backend/internal/domain"
)

func productA() domain.Product {
	return domain.Product{ID: "prod-a", Name: "Product A", Price: decimal.NewFromInt(10), CostPrice: decimal.NewFromInt(6), Quantity: 5}
}

func productB() domain.Product {
	return domain.Product{ID: "prod-b", Name: "Product B", Price: decimal.RequireFromString("2.50"), CostPrice: decimal.NewFromInt(1), Quantity: 10}
}

func newTestSale() domain.Sale {
	return NewSale("INV-1", time.Now().UTC(), "1", domain.WalkInCustomerName, "", []Line{
		{Product: productA(), Quantity: 2},
		{Product: productB(), Quantity: 4},
	})
}

func TestNewSaleSnapshotsProductFields(t *testing.T) {
	sale := newTestSale()

	require.Len(t, sale.Items, 2)
	assert.Equal(t, domain.SaleStatusPending, sale.Status)
	assert.Equal(t, "Product A", sale.Items[0].ProductName)
	assert.Equal(t, "20", sale.Items[0].Total.String())
	assert.Equal(t, "10", sale.Items[1].Total.String())
	assert.Equal(t, "30", sale.TotalAmount.String())
	assert.Zero(t, sale.Items[0].ReturnedQuantity)
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{domain.SaleStatusPending, domain.SaleStatusConfirmed, true},
		{domain.SaleStatusPending, domain.SaleStatusReturned, true},
		{domain.SaleStatusPending, domain.SaleStatusPartialReturn, true},
		{domain.SaleStatusConfirmed, domain.SaleStatusReturned, true},
		{domain.SaleStatusConfirmed, domain.SaleStatusPartialReturn, true},
		{domain.SaleStatusPartialReturn, domain.SaleStatusReturned, true},
		{domain.SaleStatusPartialReturn, domain.SaleStatusPartialReturn, true},
		{domain.SaleStatusConfirmed, domain.SaleStatusConfirmed, false},
		{domain.SaleStatusConfirmed, domain.SaleStatusPending, false},
		{domain.SaleStatusPartialReturn, domain.SaleStatusConfirmed, false},
		{domain.SaleStatusReturned, domain.SaleStatusConfirmed, false},
		{domain.SaleStatusReturned, domain.SaleStatusPartialReturn, false},
		{domain.SaleStatusReturned, domain.SaleStatusReturned, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestConfirmOnlyFromPending(t *testing.T) {
	sale := newTestSale()

	confirmed, err := Confirm(sale)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusConfirmed, confirmed.Status)
	assert.Equal(t, domain.SaleStatusPending, sale.Status, "input must not be mutated")

	_, err = Confirm(confirmed)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestPartialReturnRecomputesTotal(t *testing.T) {
	sale := newTestSale()

	out, err := PartialReturn(sale, "prod-a", 1)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Items[0].ReturnedQuantity)
	assert.Equal(t, "20", out.TotalAmount.String())
	assert.Equal(t, "20", out.Items[0].Total.String(), "line total is never reduced")
	assert.Equal(t, domain.SaleStatusPartialReturn, out.Status)
	assert.Zero(t, sale.Items[0].ReturnedQuantity, "input must not be mutated")
}

func TestPartialReturnOfEveryUnitMarksReturned(t *testing.T) {
	sale := newTestSale()

	out, err := PartialReturn(sale, "prod-a", 2)
	require.NoError(t, err)
	out, err = PartialReturn(out, "prod-b", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartialReturn, out.Status)

	out, err = PartialReturn(out, "prod-b", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, out.Status)
	assert.True(t, out.TotalAmount.IsZero())
}

func TestPartialReturnRejectsBadInput(t *testing.T) {
	sale := newTestSale()

	_, err := PartialReturn(sale, "missing", 1)
	assert.ErrorIs(t, err, ErrItemNotFound)

	for _, qty := range []int{0, -1, 3} {
		_, err := PartialReturn(sale, "prod-a", qty)
		assert.ErrorIs(t, err, ErrInvalidReturnQuantity, "qty=%d", qty)
	}

	returned, _ := FullReturn(sale)
	_, err = PartialReturn(returned, "prod-a", 1)
	assert.ErrorIs(t, err, ErrInvalidReturnQuantity)
}

func TestFullReturnRestocksOnlyRemainder(t *testing.T) {
	sale := newTestSale()
	partial, err := PartialReturn(sale, "prod-a", 1)
	require.NoError(t, err)

	out, restocks := FullReturn(partial)

	assert.Equal(t, domain.SaleStatusReturned, out.Status)
	assert.True(t, out.TotalAmount.IsZero())
	assert.Equal(t, []Restock{{ProductID: "prod-a", Quantity: 1}, {ProductID: "prod-b", Quantity: 4}}, restocks)
	for _, item := range out.Items {
		assert.Equal(t, item.Quantity, item.ReturnedQuantity)
	}

	again, restocks := FullReturn(out)
	assert.Empty(t, restocks)
	assert.Equal(t, domain.SaleStatusReturned, again.Status)
}

func TestInvariantsHoldAcrossReturnSequence(t *testing.T) {
	sale := newTestSale()
	steps := []struct {
		productID string
		qty       int
	}{
		{"prod-b", 1}, {"prod-a", 5}, {"prod-b", 2}, {"prod-a", 1}, {"prod-b", 2}, {"prod-a", 1},
	}

	for _, step := range steps {
		if next, err := PartialReturn(sale, step.productID, step.qty); err == nil {
			sale = next
		}
		for _, item := range sale.Items {
			assert.GreaterOrEqual(t, item.ReturnedQuantity, 0)
			assert.LessOrEqual(t, item.ReturnedQuantity, item.Quantity)
		}
		assert.True(t, Total(sale.Items).Equal(sale.TotalAmount))
	}
}

func TestProfitIgnoresReturnedUnits(t *testing.T) {
	sale := newTestSale()
	out, err := PartialReturn(sale, "prod-b", 2)
	require.NoError(t, err)

	// (10-6)*2 + (2.5-1)*2
	assert.Equal(t, "11", Profit(out.Items).String())
}
