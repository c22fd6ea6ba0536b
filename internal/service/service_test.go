package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/ledger"
	"shakerin/backend/internal/store"
	"shakerin/backend/internal/store/memory"
)

var (
	adminActor    = domain.Actor{UserID: domain.ProtectedAdminID, Username: "admin", Role: domain.RoleAdmin}
	employeeActor = domain.Actor{UserID: "emp-1", Username: "kasir", Role: domain.RoleEmployee}
)

type fixture struct {
	svc      *Service
	repo     *memory.Store
	category domain.Category
	productA domain.Product
	productB domain.Product
}

func newTestService(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	svc := New(repo, nil)
	ctx := adminCtx()

	category, err := svc.AddCategory(ctx, domain.CategoryRequest{Name: "Groceries"})
	require.NoError(t, err)

	a, err := svc.CreateProduct(ctx, domain.ProductUpsertRequest{
		Name: "Product A", CategoryID: category.ID,
		CostPrice: decimal.NewFromInt(6), Price: decimal.NewFromInt(10), Quantity: 5,
	})
	require.NoError(t, err)
	b, err := svc.CreateProduct(ctx, domain.ProductUpsertRequest{
		Name: "Product B", CategoryID: category.ID,
		CostPrice: decimal.NewFromInt(1), Price: decimal.NewFromInt(3), Quantity: 2,
	})
	require.NoError(t, err)

	return fixture{svc: svc, repo: repo, category: category, productA: a.Product, productB: b.Product}
}

func adminCtx() context.Context {
	return WithActor(context.Background(), adminActor)
}

func employeeCtx() context.Context {
	return WithActor(context.Background(), employeeActor)
}

func stockOf(t *testing.T, f fixture, id string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Quantity
}

func checkoutA(t *testing.T, f fixture, qty int) domain.Sale {
	t.Helper()
	sale, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return sale
}

func TestCheckoutDecrementsStockAndCreatesPendingSale(t *testing.T) {
	f := newTestService(t)

	sale := checkoutA(t, f, 2)

	assert.Equal(t, 3, stockOf(t, f, f.productA.ID))
	assert.Equal(t, domain.SaleStatusPending, sale.Status)
	assert.Equal(t, "20", sale.TotalAmount.String())
	assert.Equal(t, employeeActor.UserID, sale.SellerID)
	assert.Equal(t, domain.WalkInCustomerName, sale.CustomerName)
	assert.Regexp(t, `^INV-\d+`, sale.ID)

	stored, err := f.svc.GetSale(employeeCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, sale.ID, stored.ID)
}

func TestPartialThenFullReturnScenario(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 2)
	ctx := employeeCtx()

	partial, err := f.svc.PartialReturn(ctx, sale.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, partial.Items[0].ReturnedQuantity)
	assert.Equal(t, "10", partial.TotalAmount.String())
	assert.Equal(t, domain.SaleStatusPartialReturn, partial.Status)
	assert.Equal(t, 4, stockOf(t, f, f.productA.ID))

	full, err := f.svc.FullReturn(ctx, sale.ID)
	require.NoError(t, err)
	assert.True(t, full.TotalAmount.IsZero())
	assert.Equal(t, domain.SaleStatusReturned, full.Status)
	assert.Equal(t, 5, stockOf(t, f, f.productA.ID), "only the remaining unit is restocked")

	again, err := f.svc.FullReturn(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, again.Status)
	assert.Equal(t, 5, stockOf(t, f, f.productA.ID), "a repeated full return restocks nothing")
}

func TestPartialReturnOverRemainingIsRejectedWithoutChanges(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 2)
	ctx := employeeCtx()

	_, err := f.svc.PartialReturn(ctx, sale.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 3})
	require.ErrorIs(t, err, ledger.ErrInvalidReturnQuantity)

	_, err = f.svc.PartialReturn(ctx, sale.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 0})
	require.ErrorIs(t, err, ledger.ErrInvalidReturnQuantity)

	stored, err := f.svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Items[0].ReturnedQuantity)
	assert.Equal(t, "20", stored.TotalAmount.String())
	assert.Equal(t, domain.SaleStatusPending, stored.Status)
	assert.Equal(t, 3, stockOf(t, f, f.productA.ID))
}

func TestPartialReturnUnknownSaleOrItem(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 1)
	ctx := employeeCtx()

	_, err := f.svc.PartialReturn(ctx, "INV-missing", domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 1})
	assert.ErrorIs(t, err, ErrSaleNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.PartialReturn(ctx, sale.ID, domain.PartialReturnRequest{ProductID: f.productB.ID, Quantity: 1})
	assert.ErrorIs(t, err, ledger.ErrItemNotFound)

	_, err = f.svc.FullReturn(ctx, "INV-missing")
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestCheckoutOverStockRejectsWholeCart(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		Items: []domain.CartLine{
			{ProductID: f.productA.ID, Quantity: 1},
			{ProductID: f.productB.ID, Quantity: 3},
		},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "Product B", stockErr.ProductName)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)

	assert.Equal(t, 5, stockOf(t, f, f.productA.ID))
	assert.Equal(t, 2, stockOf(t, f, f.productB.ID))
	sales, err := f.svc.ListSales(employeeCtx(), domain.SaleFilter{})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCheckoutMergesRepeatedLines(t *testing.T) {
	f := newTestService(t)

	sale, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		CustomerName: "  Budi ",
		Items: []domain.CartLine{
			{ProductID: f.productA.ID, Quantity: 2},
			{ProductID: f.productB.ID, Quantity: 1},
			{ProductID: f.productA.ID, Quantity: 3},
		},
	})
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)
	assert.Equal(t, 5, sale.Items[0].Quantity)
	assert.Equal(t, "Budi", sale.CustomerName)
	assert.Equal(t, 0, stockOf(t, f, f.productA.ID))

	_, err = f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}, {ProductID: f.productA.ID, Quantity: 0}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCheckoutRequiresSession(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.Checkout(context.Background(), domain.CheckoutRequest{
		Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCheckoutUnknownProduct(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		Items: []domain.CartLine{{ProductID: "nope", Quantity: 1}},
	})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestSaleKeepsSnapshotAfterProductEdit(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 1)

	_, err := f.svc.UpdateProduct(adminCtx(), f.productA.ID, domain.ProductUpsertRequest{
		Name: "Renamed", CategoryID: f.category.ID,
		CostPrice: decimal.NewFromInt(7), Price: decimal.NewFromInt(99), Quantity: 4,
	})
	require.NoError(t, err)

	stored, err := f.svc.GetSale(employeeCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "Product A", stored.Items[0].ProductName)
	assert.Equal(t, "10", stored.Items[0].Price.String())
}

func TestConfirmSale(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 1)
	ctx := employeeCtx()

	confirmed, err := f.svc.ConfirmSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusConfirmed, confirmed.Status)

	_, err = f.svc.ConfirmSale(ctx, sale.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)

	_, err = f.svc.ConfirmSale(ctx, "INV-missing")
	assert.ErrorIs(t, err, ErrSaleNotFound)

	returned, err := f.svc.FullReturn(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, returned.Status)
	_, err = f.svc.ConfirmSale(ctx, sale.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
}

func TestFullReturnSkipsDeletedProduct(t *testing.T) {
	f := newTestService(t)
	sale, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
		Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}, {ProductID: f.productB.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteProduct(adminCtx(), f.productB.ID))

	returned, err := f.svc.FullReturn(employeeCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, returned.Status)
	assert.Equal(t, 5, stockOf(t, f, f.productA.ID))
}

// restockFailRepo fails every stock increase, to check that a return
// never commits without its restock.
type restockFailRepo struct {
	*memory.Store
}

type restockFailTx struct {
	store.Tx
}

func (r restockFailRepo) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.Store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, restockFailTx{Tx: tx})
	})
}

func (t restockFailTx) SetProductQuantity(ctx context.Context, id string, quantity int) error {
	current, err := t.Tx.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if quantity > current.Quantity {
		return errors.New("disk full")
	}
	return t.Tx.SetProductQuantity(ctx, id, quantity)
}

func TestReturnRollsBackWhenRestockFails(t *testing.T) {
	f := newTestService(t)
	sale := checkoutA(t, f, 2)
	failing := New(restockFailRepo{Store: f.repo}, nil)

	_, err := failing.PartialReturn(employeeCtx(), sale.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 1})
	require.Error(t, err)
	_, err = failing.FullReturn(employeeCtx(), sale.ID)
	require.Error(t, err)

	stored, err := f.svc.GetSale(employeeCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPending, stored.Status)
	assert.Zero(t, stored.Items[0].ReturnedQuantity)
	assert.Equal(t, 3, stockOf(t, f, f.productA.ID))
}

// lockRecordingRepo remembers the order products are read inside a
// transaction.
type lockRecordingRepo struct {
	*memory.Store
	reads *[]string
}

type lockRecordingTx struct {
	store.Tx
	reads *[]string
}

func (r lockRecordingRepo) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return r.Store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, lockRecordingTx{Tx: tx, reads: r.reads})
	})
}

func (t lockRecordingTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	*t.reads = append(*t.reads, id)
	return t.Tx.GetProduct(ctx, id)
}

func TestStockRowsLockedInProductIDOrder(t *testing.T) {
	f := newTestService(t)
	low, high := f.productA.ID, f.productB.ID
	if high < low {
		low, high = high, low
	}

	var reads []string
	recording := New(lockRecordingRepo{Store: f.repo, reads: &reads}, nil)

	sale, err := recording.Checkout(employeeCtx(), domain.CheckoutRequest{Items: []domain.CartLine{
		{ProductID: high, Quantity: 1},
		{ProductID: low, Quantity: 1},
	}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(reads), 2)
	assert.Equal(t, []string{low, high}, reads[:2])
	assert.Equal(t, high, sale.Items[0].ProductID, "line order follows the cart")

	reads = nil
	_, err = recording.FullReturn(employeeCtx(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{low, high}, reads)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newTestService(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Checkout(employeeCtx(), domain.CheckoutRequest{
				Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}},
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, 0, stockOf(t, f, f.productA.ID))
}

func TestListSalesSearchAndOrder(t *testing.T) {
	f := newTestService(t)
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	step := 0
	f.svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	ctx := employeeCtx()

	first, err := f.svc.Checkout(ctx, domain.CheckoutRequest{CustomerName: "Siti Aminah", Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}}})
	require.NoError(t, err)
	second, err := f.svc.Checkout(ctx, domain.CheckoutRequest{Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 1}}})
	require.NoError(t, err)

	all, err := f.svc.ListSales(ctx, domain.SaleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	byName, err := f.svc.ListSales(ctx, domain.SaleFilter{Query: "siti"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, first.ID, byName[0].ID)

	byID, err := f.svc.ListSales(ctx, domain.SaleFilter{Query: second.ID[len(second.ID)-8:]})
	require.NoError(t, err)
	require.Len(t, byID, 1)

	_, err = f.svc.ConfirmSale(ctx, first.ID)
	require.NoError(t, err)
	confirmed, err := f.svc.ListSales(ctx, domain.SaleFilter{Status: domain.SaleStatusConfirmed})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, first.ID, confirmed[0].ID)
}

func TestListSalesPagesWithOffset(t *testing.T) {
	f := newTestService(t)
	ctx := employeeCtx()
	bulk, err := f.svc.CreateProduct(adminCtx(), domain.ProductUpsertRequest{
		Name: "Bulk", CategoryID: f.category.ID,
		CostPrice: decimal.NewFromInt(1), Price: decimal.NewFromInt(2), Quantity: 700,
	})
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	step := 0
	f.svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	const total = 600
	for i := 0; i < total; i++ {
		_, err := f.svc.Checkout(ctx, domain.CheckoutRequest{Items: []domain.CartLine{{ProductID: bulk.Product.ID, Quantity: 1}}})
		require.NoError(t, err)
	}

	seen := make(map[string]bool, total)
	var previous time.Time
	for offset := 0; offset < total; offset += 250 {
		page, err := f.svc.ListSales(ctx, domain.SaleFilter{Offset: offset, Limit: 250})
		require.NoError(t, err)
		require.Len(t, page, min(250, total-offset))
		for _, sale := range page {
			assert.False(t, seen[sale.ID], "sale %s listed twice", sale.ID)
			seen[sale.ID] = true
			if !previous.IsZero() {
				assert.True(t, sale.Date.Before(previous))
			}
			previous = sale.Date
		}
	}
	assert.Len(t, seen, total)

	past, err := f.svc.ListSales(ctx, domain.SaleFilter{Offset: total, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestInvariantsAfterMixedOperations(t *testing.T) {
	f := newTestService(t)
	ctx := employeeCtx()

	s1 := checkoutA(t, f, 3)
	s2, err := f.svc.Checkout(ctx, domain.CheckoutRequest{Items: []domain.CartLine{{ProductID: f.productA.ID, Quantity: 2}, {ProductID: f.productB.ID, Quantity: 2}}})
	require.NoError(t, err)

	_, _ = f.svc.PartialReturn(ctx, s1.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 2})
	_, _ = f.svc.PartialReturn(ctx, s1.ID, domain.PartialReturnRequest{ProductID: f.productA.ID, Quantity: 2})
	_, _ = f.svc.FullReturn(ctx, s2.ID)
	_, _ = f.svc.PartialReturn(ctx, s2.ID, domain.PartialReturnRequest{ProductID: f.productB.ID, Quantity: 1})
	_, _ = f.svc.FullReturn(ctx, s1.ID)

	products, err := f.repo.ListProducts(context.Background())
	require.NoError(t, err)
	for _, p := range products {
		assert.GreaterOrEqual(t, p.Quantity, 0)
	}
	assert.Equal(t, 5, stockOf(t, f, f.productA.ID))
	assert.Equal(t, 2, stockOf(t, f, f.productB.ID))

	sales, err := f.svc.ListSales(ctx, domain.SaleFilter{})
	require.NoError(t, err)
	for _, sale := range sales {
		for _, item := range sale.Items {
			assert.GreaterOrEqual(t, item.ReturnedQuantity, 0)
			assert.LessOrEqual(t, item.ReturnedQuantity, item.Quantity)
		}
		assert.True(t, ledger.Total(sale.Items).Equal(sale.TotalAmount))
	}
}

func TestDashboardHidesProfitFromEmployees(t *testing.T) {
	f := newTestService(t)
	checkoutA(t, f, 2)

	adminStats, err := f.svc.Dashboard(adminCtx())
	require.NoError(t, err)
	require.NotNil(t, adminStats.Profit)
	assert.Equal(t, "8", adminStats.Profit.String())
	assert.Equal(t, "20", adminStats.Revenue.String())
	assert.Equal(t, 1, adminStats.InvoiceCount)

	employeeStats, err := f.svc.Dashboard(employeeCtx())
	require.NoError(t, err)
	assert.Nil(t, employeeStats.Profit)
	assert.Equal(t, "20", employeeStats.Revenue.String())
}
