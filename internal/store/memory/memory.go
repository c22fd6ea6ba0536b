package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	categories map[string]domain.Category
	products   map[string]domain.Product
	sales      map[string]domain.Sale
	saleOrder  []string
	users      map[string]domain.User
}

func New() *Store {
	return &Store{
		categories: make(map[string]domain.Category),
		products:   make(map[string]domain.Product),
		sales:      make(map[string]domain.Sale),
		saleOrder:  make([]string, 0, 64),
		users:      make(map[string]domain.User),
	}
}

// NewSeeded returns a store with a small demo catalog for local runs.
func NewSeeded() *Store {
	s := New()

	categories := []domain.Category{
		{ID: uuid.NewString(), Name: "Beverages"},
		{ID: uuid.NewString(), Name: "Snacks"},
		{ID: uuid.NewString(), Name: "Household"},
	}
	for _, c := range categories {
		s.categories[c.ID] = c
	}

	for _, p := range []struct {
		name     string
		barcode  string
		category int
		cost     string
		price    string
		qty      int
	}{
		{"Mineral Water 600ml", "8991001100011", 0, "0.30", "0.50", 120},
		{"Instant Coffee Sachet", "8991001100028", 0, "0.15", "0.25", 200},
		{"Cassava Chips", "8991001100035", 1, "0.90", "1.40", 40},
		{"Chocolate Bar", "8991001100042", 1, "0.60", "0.95", 3},
		{"Bath Soap", "8991001100059", 2, "0.55", "0.80", 60},
	} {
		product := domain.Product{
			ID:         uuid.NewString(),
			Barcode:    p.barcode,
			Name:       p.name,
			CategoryID: categories[p.category].ID,
			CostPrice:  decimal.RequireFromString(p.cost),
			Price:      decimal.RequireFromString(p.price),
			Quantity:   p.qty,
		}
		s.products[product.ID] = product
	}

	return s
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Category) int {
		return cmpString(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" || strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[category.ID]; exists {
		return nil, store.ErrConflict
	}
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) UpdateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[category.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) DeleteCategory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.categories[id]; !exists {
		return store.ErrNotFound
	}
	for _, p := range s.products {
		if p.CategoryID == id {
			return store.ErrCategoryInUse
		}
	}
	delete(s.categories, id)
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		out = append(out, cloneSale(s.sales[id]))
	}
	return out, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return nil, store.ErrConflict
	}
	if s.usernameTaken(user.Username, "") {
		return nil, store.ErrConflict
	}
	s.users[user.ID] = user
	return &user, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; !exists {
		return nil, store.ErrNotFound
	}
	if s.usernameTaken(user.Username, user.ID) {
		return nil, store.ErrConflict
	}
	s.users[user.ID] = user
	return &user, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *Store) usernameTaken(username string, exceptID string) bool {
	for id, u := range s.users {
		if id != exceptID && strings.EqualFold(u.Username, username) {
			return true
		}
	}
	return false
}

// Atomic holds the write lock for the whole of fn. Writes are staged on the
// transaction and copied into the store only when fn succeeds.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		parent:   s,
		products: make(map[string]domain.Product),
		sales:    make(map[string]domain.Sale),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, p := range tx.products {
		s.products[id] = p
	}
	for id, sale := range tx.sales {
		s.sales[id] = sale
	}
	s.saleOrder = append(s.saleOrder, tx.created...)
	return nil
}

type memTx struct {
	parent   *Store
	products map[string]domain.Product
	sales    map[string]domain.Sale
	created  []string
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	if p, ok := t.products[id]; ok {
		return &p, nil
	}
	p, ok := t.parent.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) SetProductQuantity(ctx context.Context, id string, quantity int) error {
	if quantity < 0 {
		return store.ErrInsufficientStock
	}
	p, err := t.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	p.Quantity = quantity
	t.products[id] = *p
	return nil
}

func (t *memTx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	if sale, ok := t.sales[id]; ok {
		out := cloneSale(sale)
		return &out, nil
	}
	sale, ok := t.parent.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (t *memTx) CreateSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.ErrInvalidInput
	}
	if _, exists := t.parent.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := t.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	t.sales[sale.ID] = cloneSale(sale)
	t.created = append(t.created, sale.ID)
	return nil
}

func (t *memTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	if _, err := t.GetSale(ctx, sale.ID); err != nil {
		return err
	}
	t.sales[sale.ID] = cloneSale(sale)
	return nil
}

func cmpString(a string, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	out.Items = slices.Clone(src.Items)
	return out
}
