package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) AddCategory(ctx context.Context, req domain.CategoryRequest) (domain.Category, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name is required", store.ErrInvalidInput)
	}

	created, err := s.repo.CreateCategory(ctx, domain.Category{ID: uuid.NewString(), Name: name})
	if err != nil {
		return domain.Category{}, err
	}
	return *created, nil
}

func (s *Service) RenameCategory(ctx context.Context, id string, req domain.CategoryRequest) (domain.Category, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Category{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name is required", store.ErrInvalidInput)
	}

	updated, err := s.repo.UpdateCategory(ctx, domain.Category{ID: id, Name: name})
	if err != nil {
		return domain.Category{}, mapNotFound(err, ErrCategoryNotFound)
	}
	return *updated, nil
}

// DeleteCategory is blocked with store.ErrCategoryInUse while any product
// still points at the category.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteCategory(ctx, id); err != nil {
		return mapNotFound(err, ErrCategoryNotFound)
	}
	return nil
}

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.ProductView, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := s.repo.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}

	// Names match on any substring, barcodes only when scanned whole.
	raw := strings.TrimSpace(filter.Query)
	query := strings.ToLower(raw)
	out := make([]domain.ProductView, 0, len(products))
	for _, p := range products {
		if filter.CategoryID != "" && p.CategoryID != filter.CategoryID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) && !(p.Barcode != "" && strings.EqualFold(p.Barcode, raw)) {
			continue
		}
		categoryName, ok := names[p.CategoryID]
		if !ok {
			categoryName = domain.UncategorizedName
		}
		out = append(out, domain.ProductView{
			Product:       p,
			CategoryName:  categoryName,
			MarginPercent: p.MarginPercent(),
		})
	}
	return out, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductUpsertRequest) (domain.ProductUpsertResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ProductUpsertResponse{}, err
	}

	product, err := s.validateProduct(ctx, req)
	if err != nil {
		return domain.ProductUpsertResponse{}, err
	}
	product.ID = uuid.NewString()

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.ProductUpsertResponse{}, err
	}
	s.invalidateReports(ctx)
	return s.upsertResponse(ctx, *created), nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpsertRequest) (domain.ProductUpsertResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ProductUpsertResponse{}, err
	}

	product, err := s.validateProduct(ctx, req)
	if err != nil {
		return domain.ProductUpsertResponse{}, err
	}
	product.ID = id

	updated, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.ProductUpsertResponse{}, mapNotFound(err, ErrProductNotFound)
	}
	s.invalidateReports(ctx)
	return s.upsertResponse(ctx, *updated), nil
}

// DeleteProduct removes the product from the catalog. Past sales keep
// their snapshots and are unaffected.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return mapNotFound(err, ErrProductNotFound)
	}
	s.invalidateReports(ctx)
	return nil
}

func (s *Service) validateProduct(ctx context.Context, req domain.ProductUpsertRequest) (domain.Product, error) {
	product := domain.Product{
		Barcode:    strings.TrimSpace(req.Barcode),
		Name:       strings.TrimSpace(req.Name),
		CategoryID: strings.TrimSpace(req.CategoryID),
		CostPrice:  req.CostPrice,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}

	var problems []string
	if product.Name == "" {
		problems = append(problems, "name is required")
	}
	if product.CostPrice.IsNegative() {
		problems = append(problems, "cost_price must not be negative")
	}
	if product.Price.IsNegative() {
		problems = append(problems, "price must not be negative")
	}
	if product.Quantity < 0 {
		problems = append(problems, "quantity must not be negative")
	}
	if product.CategoryID == "" {
		problems = append(problems, "category_id is required")
	} else if _, err := s.repo.GetCategory(ctx, product.CategoryID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Product{}, err
		}
		problems = append(problems, "category_id does not exist")
	}
	if len(problems) > 0 {
		return domain.Product{}, fmt.Errorf("%w: %s", store.ErrInvalidInput, strings.Join(problems, ", "))
	}
	return product, nil
}

func (s *Service) upsertResponse(ctx context.Context, product domain.Product) domain.ProductUpsertResponse {
	negative := product.Price.LessThan(product.CostPrice)
	if negative {
		logger(ctx).Warn().
			Str("product_id", product.ID).
			Str("price", product.Price.String()).
			Str("cost_price", product.CostPrice.String()).
			Msg("product priced below cost")
	}
	return domain.ProductUpsertResponse{Product: product, NegativeMargin: negative}
}
