// Package kv persists every collection as one JSON array per redis key,
// the same users / products / categories / sales layout the shop used in
// browser storage. Writes are optimistic: the touched keys are WATCHed and
// the whole update is retried when another writer gets in first.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

const (
	KeyUsers      = "users"
	KeyProducts   = "products"
	KeyCategories = "categories"
	KeySales      = "sales"
)

const defaultMaxRetries = 8

var ErrContention = fmt.Errorf("too many concurrent writers: %w", store.ErrBusy)

type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

func New(ctx context.Context, redisURL string, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewWithClient(client, prefix), nil
}

func NewWithClient(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, maxRetries: defaultMaxRetries}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load[T any](ctx context.Context, g getter, key string) ([]T, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func save[T any](ctx context.Context, pipe redis.Pipeliner, key string, items []T) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return pipe.Set(ctx, key, payload, 0).Err()
}

// update WATCHes keys, lets fn read through the transaction and stage its
// writes, then commits them in one MULTI/EXEC.
func (s *Store) update(ctx context.Context, keys []string, fn func(tx *redis.Tx) (func(pipe redis.Pipeliner) error, error)) error {
	watched := make([]string, 0, len(keys))
	for _, k := range keys {
		watched = append(watched, s.key(k))
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			write, err := fn(tx)
			if err != nil {
				return err
			}
			if write == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, write)
			return err
		}, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrContention
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories, err := load[domain.Category](ctx, s.client, s.key(KeyCategories))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	categories, err := load[domain.Category](ctx, s.client, s.key(KeyCategories))
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(categories, func(c domain.Category) bool { return c.ID == id })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	return &categories[idx], nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" || strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	err := s.update(ctx, []string{KeyCategories}, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		categories, err := load[domain.Category](ctx, tx, s.key(KeyCategories))
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(categories, func(c domain.Category) bool { return c.ID == category.ID }) {
			return nil, store.ErrConflict
		}
		categories = append(categories, category)
		return func(pipe redis.Pipeliner) error {
			return save(ctx, pipe, s.key(KeyCategories), categories)
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &category, nil
}

func (s *Store) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	err := s.update(ctx, []string{KeyCategories}, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		categories, err := load[domain.Category](ctx, tx, s.key(KeyCategories))
		if err != nil {
			return nil, err
		}
		idx := slices.IndexFunc(categories, func(c domain.Category) bool { return c.ID == category.ID })
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		categories[idx] = category
		return func(pipe redis.Pipeliner) error {
			return save(ctx, pipe, s.key(KeyCategories), categories)
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &category, nil
}

// DeleteCategory watches products too, so a product added between the
// reference check and the write aborts the delete.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return s.update(ctx, []string{KeyCategories, KeyProducts}, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		categories, err := load[domain.Category](ctx, tx, s.key(KeyCategories))
		if err != nil {
			return nil, err
		}
		idx := slices.IndexFunc(categories, func(c domain.Category) bool { return c.ID == id })
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		products, err := load[domain.Product](ctx, tx, s.key(KeyProducts))
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(products, func(p domain.Product) bool { return p.CategoryID == id }) {
			return nil, store.ErrCategoryInUse
		}
		categories = slices.Delete(categories, idx, idx+1)
		return func(pipe redis.Pipeliner) error {
			return save(ctx, pipe, s.key(KeyCategories), categories)
		}, nil
	})
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := load[domain.Product](ctx, s.client, s.key(KeyProducts))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := load[domain.Product](ctx, s.client, s.key(KeyProducts))
	if err != nil {
		return nil, err
	}
	idx := indexProduct(products, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	return &products[idx], nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}
	err := s.mutateProducts(ctx, func(products []domain.Product) ([]domain.Product, error) {
		if indexProduct(products, product.ID) >= 0 {
			return nil, store.ErrConflict
		}
		return append(products, product), nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}
	err := s.mutateProducts(ctx, func(products []domain.Product) ([]domain.Product, error) {
		idx := indexProduct(products, product.ID)
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		products[idx] = product
		return products, nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.mutateProducts(ctx, func(products []domain.Product) ([]domain.Product, error) {
		idx := indexProduct(products, id)
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		return slices.Delete(products, idx, idx+1), nil
	})
}

func (s *Store) mutateProducts(ctx context.Context, fn func([]domain.Product) ([]domain.Product, error)) error {
	return s.update(ctx, []string{KeyProducts}, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		products, err := load[domain.Product](ctx, tx, s.key(KeyProducts))
		if err != nil {
			return nil, err
		}
		products, err = fn(products)
		if err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) error {
			return save(ctx, pipe, s.key(KeyProducts), products)
		}, nil
	})
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	return load[domain.Sale](ctx, s.client, s.key(KeySales))
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := load[domain.Sale](ctx, s.client, s.key(KeySales))
	if err != nil {
		return nil, err
	}
	idx := indexSale(sales, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	return &sales[idx], nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	return load[domain.User](ctx, s.client, s.key(KeyUsers))
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	users, err := load[domain.User](ctx, s.client, s.key(KeyUsers))
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(users, func(u domain.User) bool { return u.ID == id })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	return &users[idx], nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	users, err := load[domain.User](ctx, s.client, s.key(KeyUsers))
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(users, func(u domain.User) bool { return strings.EqualFold(u.Username, username) })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	return &users[idx], nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	err := s.mutateUsers(ctx, func(users []domain.User) ([]domain.User, error) {
		if slices.ContainsFunc(users, func(u domain.User) bool {
			return u.ID == user.ID || strings.EqualFold(u.Username, user.Username)
		}) {
			return nil, store.ErrConflict
		}
		return append(users, user), nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	err := s.mutateUsers(ctx, func(users []domain.User) ([]domain.User, error) {
		idx := slices.IndexFunc(users, func(u domain.User) bool { return u.ID == user.ID })
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		if slices.ContainsFunc(users, func(u domain.User) bool {
			return u.ID != user.ID && strings.EqualFold(u.Username, user.Username)
		}) {
			return nil, store.ErrConflict
		}
		users[idx] = user
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.mutateUsers(ctx, func(users []domain.User) ([]domain.User, error) {
		idx := slices.IndexFunc(users, func(u domain.User) bool { return u.ID == id })
		if idx < 0 {
			return nil, store.ErrNotFound
		}
		return slices.Delete(users, idx, idx+1), nil
	})
}

func (s *Store) mutateUsers(ctx context.Context, fn func([]domain.User) ([]domain.User, error)) error {
	return s.update(ctx, []string{KeyUsers}, func(tx *redis.Tx) (func(redis.Pipeliner) error, error) {
		users, err := load[domain.User](ctx, tx, s.key(KeyUsers))
		if err != nil {
			return nil, err
		}
		users, err = fn(users)
		if err != nil {
			return nil, err
		}
		return func(pipe redis.Pipeliner) error {
			return save(ctx, pipe, s.key(KeyUsers), users)
		}, nil
	})
}

// Atomic watches products and sales for the whole of fn. fn may run more
// than once when another writer commits first, so it must not have side
// effects outside the Tx.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.update(ctx, []string{KeyProducts, KeySales}, func(rtx *redis.Tx) (func(redis.Pipeliner) error, error) {
		products, err := load[domain.Product](ctx, rtx, s.key(KeyProducts))
		if err != nil {
			return nil, err
		}
		sales, err := load[domain.Sale](ctx, rtx, s.key(KeySales))
		if err != nil {
			return nil, err
		}

		tx := &kvTx{products: products, sales: sales}
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		if !tx.productsDirty && !tx.salesDirty {
			return nil, nil
		}

		return func(pipe redis.Pipeliner) error {
			if tx.productsDirty {
				if err := save(ctx, pipe, s.key(KeyProducts), tx.products); err != nil {
					return err
				}
			}
			if tx.salesDirty {
				if err := save(ctx, pipe, s.key(KeySales), tx.sales); err != nil {
					return err
				}
			}
			return nil
		}, nil
	})
}

type kvTx struct {
	products      []domain.Product
	sales         []domain.Sale
	productsDirty bool
	salesDirty    bool
}

func (t *kvTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	idx := indexProduct(t.products, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	p := t.products[idx]
	return &p, nil
}

func (t *kvTx) SetProductQuantity(_ context.Context, id string, quantity int) error {
	if quantity < 0 {
		return store.ErrInsufficientStock
	}
	idx := indexProduct(t.products, id)
	if idx < 0 {
		return store.ErrNotFound
	}
	t.products[idx].Quantity = quantity
	t.productsDirty = true
	return nil
}

func (t *kvTx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	idx := indexSale(t.sales, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	sale := t.sales[idx]
	sale.Items = slices.Clone(sale.Items)
	return &sale, nil
}

func (t *kvTx) CreateSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.ErrInvalidInput
	}
	if indexSale(t.sales, sale.ID) >= 0 {
		return store.ErrConflict
	}
	sale.Items = slices.Clone(sale.Items)
	t.sales = append(t.sales, sale)
	t.salesDirty = true
	return nil
}

func (t *kvTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	idx := indexSale(t.sales, sale.ID)
	if idx < 0 {
		return store.ErrNotFound
	}
	sale.Items = slices.Clone(sale.Items)
	t.sales[idx] = sale
	t.salesDirty = true
	return nil
}

func indexProduct(products []domain.Product, id string) int {
	return slices.IndexFunc(products, func(p domain.Product) bool { return p.ID == id })
}

func indexSale(sales []domain.Sale, id string) int {
	return slices.IndexFunc(sales, func(s domain.Sale) bool { return s.ID == id })
}
