package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/ledger"
	"shakerin/backend/internal/store"
	"shakerin/backend/internal/xid"
)

// Checkout validates every cart line against live stock, then decrements
// stock and records a pending sale in one transaction. Either every line
// commits or nothing does. Product rows are read in id order so two carts
// naming the same products always lock them in the same sequence.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	customerName := strings.TrimSpace(req.CustomerName)
	if customerName == "" {
		customerName = domain.WalkInCustomerName
	}
	customerPhone := strings.TrimSpace(req.CustomerPhone)

	var created domain.Sale
	err = s.repo.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		products := make(map[string]domain.Product, len(lines))
		for _, id := range lockOrder(lines) {
			product, err := tx.GetProduct(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrProductNotFound, id)
				}
				return err
			}
			products[id] = *product
		}

		priced := make([]ledger.Line, 0, len(lines))
		for _, line := range lines {
			product := products[line.ProductID]
			if line.Quantity > product.Quantity {
				return &InsufficientStockError{
					ProductID:   product.ID,
					ProductName: product.Name,
					Requested:   line.Quantity,
					Available:   product.Quantity,
				}
			}
			priced = append(priced, ledger.Line{Product: product, Quantity: line.Quantity})
		}

		now := s.now().UTC()
		sale := ledger.NewSale(xid.Invoice(now), now, actor.UserID, customerName, customerPhone, priced)

		for _, line := range priced {
			if _, err := adjustQuantity(ctx, tx, line.Product.ID, -line.Quantity); err != nil {
				return err
			}
		}
		if err := tx.CreateSale(ctx, sale); err != nil {
			return err
		}
		created = sale
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	logger(ctx).Info().
		Str("sale_id", created.ID).
		Str("seller_id", created.SellerID).
		Int("lines", len(created.Items)).
		Str("total", created.TotalAmount.String()).
		Msg("sale recorded")
	s.invalidateReports(ctx)
	return created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, mapNotFound(err, ErrSaleNotFound)
	}
	return *sale, nil
}

// ListSales returns sales newest first, ties broken by invoice id so pages
// stay stable. Query matches the invoice id or the customer name, ignoring
// case.
func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx)
	if err != nil {
		return nil, err
	}

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(sale.ID), query) && !strings.Contains(strings.ToLower(sale.CustomerName), query) {
			continue
		}
		out = append(out, sale)
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Sale{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ConfirmSale moves a pending sale to confirmed. Any other starting state
// is rejected with ledger.ErrInvalidStateTransition.
func (s *Service) ConfirmSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Sale{}, err
	}

	var confirmed domain.Sale
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, id)
		if err != nil {
			return mapNotFound(err, ErrSaleNotFound)
		}
		next, err := ledger.Confirm(*sale)
		if err != nil {
			return fmt.Errorf("confirm %s sale: %w", sale.Status, err)
		}
		if err := tx.UpdateSale(ctx, next); err != nil {
			return err
		}
		confirmed = next
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	s.invalidateReports(ctx)
	return confirmed, nil
}

// PartialReturn takes qty units of one line back. The sale update and the
// restock commit together.
func (s *Service) PartialReturn(ctx context.Context, saleID string, req domain.PartialReturnRequest) (domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Sale{}, err
	}

	var updated domain.Sale
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return mapNotFound(err, ErrSaleNotFound)
		}
		next, err := ledger.PartialReturn(*sale, req.ProductID, req.Quantity)
		if err != nil {
			return err
		}
		if err := tx.UpdateSale(ctx, next); err != nil {
			return err
		}
		if err := restock(ctx, tx, saleID, req.ProductID, req.Quantity); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	logger(ctx).Info().
		Str("sale_id", updated.ID).
		Str("product_id", req.ProductID).
		Int("quantity", req.Quantity).
		Str("status", updated.Status).
		Msg("partial return")
	s.invalidateReports(ctx)
	return updated, nil
}

// FullReturn voids the sale and restocks whatever had not already been
// returned. Repeating it is harmless.
func (s *Service) FullReturn(ctx context.Context, saleID string) (domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Sale{}, err
	}

	var updated domain.Sale
	var restocked int
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return mapNotFound(err, ErrSaleNotFound)
		}
		next, restocks := ledger.FullReturn(*sale)
		slices.SortFunc(restocks, func(a, b ledger.Restock) int {
			return strings.Compare(a.ProductID, b.ProductID)
		})
		if err := tx.UpdateSale(ctx, next); err != nil {
			return err
		}
		restocked = 0
		for _, r := range restocks {
			if err := restock(ctx, tx, saleID, r.ProductID, r.Quantity); err != nil {
				return err
			}
			restocked += r.Quantity
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	logger(ctx).Info().
		Str("sale_id", updated.ID).
		Int("restocked_units", restocked).
		Msg("full return")
	s.invalidateReports(ctx)
	return updated, nil
}

func lockOrder(lines []domain.CartLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)
	return ids
}

// normalizeLines merges repeated products, keeping first-seen order.
func normalizeLines(items []domain.CartLine) ([]domain.CartLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrInvalidInput)
	}

	index := make(map[string]int, len(items))
	out := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: every cart line needs a product and a quantity of at least 1", store.ErrInvalidInput)
		}
		if i, ok := index[id]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, domain.CartLine{ProductID: id, Quantity: item.Quantity})
	}
	return out, nil
}
