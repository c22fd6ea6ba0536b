package store

import (
	"context"
	"errors"

	"shakerin/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCategoryInUse     = errors.New("category is used by one or more products")
	ErrConflict          = errors.New("already exists")
	ErrProtectedAccount  = errors.New("account is protected")
	ErrBusy              = errors.New("store is busy, retry")
)

// Repository is the persistence boundary. Single-entity reads and writes
// are exposed directly; anything touching stock together with a sale goes
// through Atomic.
type Repository interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	// DeleteCategory fails with ErrCategoryInUse while any product references it.
	DeleteCategory(ctx context.Context, id string) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListSales(ctx context.Context) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)

	ListUsers(ctx context.Context) ([]domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	UpdateUser(ctx context.Context, user domain.User) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	// Atomic runs fn against a transactional view. Nothing fn writes is
	// visible to others unless it returns nil.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the view handed to Atomic. Reads through it lock the row for the
// rest of the transaction where the backend supports it.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	SetProductQuantity(ctx context.Context, id string, quantity int) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	CreateSale(ctx context.Context, sale domain.Sale) error
	UpdateSale(ctx context.Context, sale domain.Sale) error
}
