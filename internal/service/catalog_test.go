package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

func TestCatalogMutationsRequireAdmin(t *testing.T) {
	f := newTestService(t)

	_, err := f.svc.AddCategory(employeeCtx(), domain.CategoryRequest{Name: "Snacks"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateProduct(context.Background(), domain.ProductUpsertRequest{Name: "X", CategoryID: f.category.ID})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, f.svc.DeleteProduct(employeeCtx(), f.productA.ID), ErrForbidden)
}

func TestDeleteCategoryBlockedWhileReferenced(t *testing.T) {
	f := newTestService(t)
	ctx := adminCtx()

	other, err := f.svc.AddCategory(ctx, domain.CategoryRequest{Name: " Drinks "})
	require.NoError(t, err)
	assert.Equal(t, "Drinks", other.Name)

	err = f.svc.DeleteCategory(ctx, f.category.ID)
	require.ErrorIs(t, err, store.ErrCategoryInUse)

	for _, p := range []domain.Product{f.productA, f.productB} {
		_, err := f.svc.UpdateProduct(ctx, p.ID, domain.ProductUpsertRequest{
			Name: p.Name, CategoryID: other.ID, CostPrice: p.CostPrice, Price: p.Price, Quantity: p.Quantity,
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.DeleteCategory(ctx, f.category.ID))

	assert.ErrorIs(t, f.svc.DeleteCategory(ctx, f.category.ID), ErrCategoryNotFound)
}

func TestRenameCategory(t *testing.T) {
	f := newTestService(t)

	renamed, err := f.svc.RenameCategory(adminCtx(), f.category.ID, domain.CategoryRequest{Name: "Pantry"})
	require.NoError(t, err)
	assert.Equal(t, "Pantry", renamed.Name)

	_, err = f.svc.RenameCategory(adminCtx(), "missing", domain.CategoryRequest{Name: "Pantry"})
	assert.ErrorIs(t, err, ErrCategoryNotFound)

	_, err = f.svc.RenameCategory(adminCtx(), f.category.ID, domain.CategoryRequest{Name: "   "})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestProductValidation(t *testing.T) {
	f := newTestService(t)
	ctx := adminCtx()

	cases := []struct {
		name string
		req  domain.ProductUpsertRequest
	}{
		{"missing name", domain.ProductUpsertRequest{CategoryID: f.category.ID, Price: decimal.NewFromInt(1)}},
		{"unknown category", domain.ProductUpsertRequest{Name: "Tea", CategoryID: "ghost"}},
		{"negative price", domain.ProductUpsertRequest{Name: "Tea", CategoryID: f.category.ID, Price: decimal.NewFromInt(-1)}},
		{"negative cost", domain.ProductUpsertRequest{Name: "Tea", CategoryID: f.category.ID, CostPrice: decimal.NewFromInt(-1)}},
		{"negative quantity", domain.ProductUpsertRequest{Name: "Tea", CategoryID: f.category.ID, Quantity: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateProduct(ctx, tc.req)
			assert.ErrorIs(t, err, store.ErrInvalidInput)
		})
	}

	_, err := f.svc.UpdateProduct(ctx, "missing", domain.ProductUpsertRequest{Name: "Tea", CategoryID: f.category.ID})
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestProductBelowCostIsAcceptedButFlagged(t *testing.T) {
	f := newTestService(t)

	resp, err := f.svc.CreateProduct(adminCtx(), domain.ProductUpsertRequest{
		Name: "Loss Leader", CategoryID: f.category.ID,
		CostPrice: decimal.NewFromInt(12), Price: decimal.NewFromInt(10), Quantity: 1,
	})
	require.NoError(t, err)
	assert.True(t, resp.NegativeMargin)

	resp, err = f.svc.CreateProduct(adminCtx(), domain.ProductUpsertRequest{
		Name: "Regular", CategoryID: f.category.ID,
		CostPrice: decimal.NewFromInt(8), Price: decimal.NewFromInt(10), Quantity: 1,
	})
	require.NoError(t, err)
	assert.False(t, resp.NegativeMargin)
}

func TestListProductsFiltersAndDanglingCategory(t *testing.T) {
	f := newTestService(t)

	_, err := f.repo.CreateProduct(context.Background(), domain.Product{
		ID: "legacy", Barcode: "899000111", Name: "Legacy Soap", CategoryID: "gone",
		CostPrice: decimal.NewFromInt(2), Price: decimal.NewFromInt(4), Quantity: 9,
	})
	require.NoError(t, err)

	all, err := f.svc.ListProducts(employeeCtx(), domain.ProductFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	prefix, err := f.svc.ListProducts(employeeCtx(), domain.ProductFilter{Query: "899000"})
	require.NoError(t, err)
	assert.Empty(t, prefix, "a partial barcode must not match")

	byBarcode, err := f.svc.ListProducts(employeeCtx(), domain.ProductFilter{Query: " 899000111 "})
	require.NoError(t, err)
	require.Len(t, byBarcode, 1)
	assert.Equal(t, domain.UncategorizedName, byBarcode[0].CategoryName)
	assert.Equal(t, "50", byBarcode[0].MarginPercent.String())

	byCategory, err := f.svc.ListProducts(employeeCtx(), domain.ProductFilter{CategoryID: f.category.ID, Query: "product b"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "Groceries", byCategory[0].CategoryName)
}
