package service

import (
	"context"
	"errors"
	"fmt"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

// InsufficientStockError names the product that could not cover a
// decrement. It matches store.ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// adjustQuantity applies delta to one product's stock inside tx. A result
// below zero is rejected before anything is written.
func adjustQuantity(ctx context.Context, tx store.Tx, productID string, delta int) (*domain.Product, error) {
	product, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return nil, mapNotFound(err, ErrProductNotFound)
	}

	next := product.Quantity + delta
	if next < 0 {
		return nil, &InsufficientStockError{
			ProductID:   product.ID,
			ProductName: product.Name,
			Requested:   -delta,
			Available:   product.Quantity,
		}
	}
	if err := tx.SetProductQuantity(ctx, productID, next); err != nil {
		return nil, err
	}

	product.Quantity = next
	return product, nil
}

// restock puts returned units back. A product deleted from the catalog
// since the sale has nowhere to go, so it is skipped.
func restock(ctx context.Context, tx store.Tx, saleID string, productID string, qty int) error {
	_, err := adjustQuantity(ctx, tx, productID, qty)
	if errors.Is(err, ErrProductNotFound) {
		logger(ctx).Warn().
			Str("sale_id", saleID).
			Str("product_id", productID).
			Int("quantity", qty).
			Msg("restock skipped, product no longer in catalog")
		return nil
	}
	return err
}
