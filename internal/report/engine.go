// Package report builds the dashboard figures from sales and stock.
package report

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"shakerin/backend/internal/cache"
	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/ledger"
)

const (
	topProductsLimit = 5
	recentSalesLimit = 5
)

// Source loads the collections a dashboard is computed from.
type Source func(ctx context.Context) ([]domain.Sale, []domain.Product, error)

type Engine struct {
	cache             cache.DashboardCache
	cacheTTL          time.Duration
	lowStockThreshold int

	// generation moves on every Invalidate. A rebuild that started under
	// an older generation is returned but not cached.
	generation atomic.Uint64
}

func NewEngine(cacheStore cache.DashboardCache, cacheTTL time.Duration, lowStockThreshold int) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopDashboardCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Second
	}
	if lowStockThreshold < 1 {
		lowStockThreshold = 5
	}

	return &Engine{
		cache:             cacheStore,
		cacheTTL:          cacheTTL,
		lowStockThreshold: lowStockThreshold,
	}
}

// Dashboard serves from cache when a same-day entry exists for the role,
// and rebuilds from load otherwise.
func (e *Engine) Dashboard(ctx context.Context, admin bool, now time.Time, load Source) (domain.DashboardStats, error) {
	key := cacheKey(admin)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok && cached.Date == dateOf(now) {
		return *cached, nil
	} else if err != nil {
		logger(ctx).Warn().Err(err).Str("key", key).Msg("dashboard cache read failed")
	}

	generation := e.generation.Load()
	sales, products, err := load(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}

	stats := e.Build(sales, products, admin, now)
	if e.generation.Load() != generation {
		logger(ctx).Debug().Str("key", key).Msg("dashboard invalidated during rebuild, not cached")
		return stats, nil
	}
	if err := e.cache.Set(ctx, key, &stats, e.cacheTTL); err != nil {
		logger(ctx).Warn().Err(err).Str("key", key).Msg("dashboard cache write failed")
	}
	return stats, nil
}

// Invalidate drops every cached dashboard. Called after any write that
// moves stock or money.
func (e *Engine) Invalidate(ctx context.Context) {
	e.generation.Add(1)
	if err := e.cache.Delete(ctx, cacheKey(true), cacheKey(false)); err != nil {
		logger(ctx).Warn().Err(err).Msg("dashboard cache invalidation failed")
	}
}

// Build computes the figures for the UTC calendar day containing now.
func (e *Engine) Build(sales []domain.Sale, products []domain.Product, admin bool, now time.Time) domain.DashboardStats {
	today := dateOf(now)
	revenue := decimal.Zero
	profit := decimal.Zero
	invoices := 0

	type tally struct {
		name string
		qty  int
	}
	sold := make(map[string]*tally)

	for _, sale := range sales {
		if sale.Status == domain.SaleStatusReturned {
			continue
		}
		for _, item := range sale.Items {
			t, ok := sold[item.ProductID]
			if !ok {
				t = &tally{name: item.ProductName}
				sold[item.ProductID] = t
			}
			t.qty += item.Remaining()
		}
		if dateOf(sale.Date) != today {
			continue
		}
		invoices++
		revenue = revenue.Add(sale.TotalAmount)
		profit = profit.Add(ledger.Profit(sale.Items))
	}

	top := make([]domain.ProductSales, 0, len(sold))
	for id, t := range sold {
		if t.qty <= 0 {
			continue
		}
		top = append(top, domain.ProductSales{ProductID: id, ProductName: t.name, Quantity: t.qty})
	}
	slices.SortFunc(top, func(a, b domain.ProductSales) int {
		if a.Quantity != b.Quantity {
			return b.Quantity - a.Quantity
		}
		return strings.Compare(a.ProductName, b.ProductName)
	})
	if len(top) > topProductsLimit {
		top = top[:topProductsLimit]
	}

	lowStock := make([]domain.Product, 0)
	for _, p := range products {
		if p.Quantity < e.lowStockThreshold {
			lowStock = append(lowStock, p)
		}
	}
	slices.SortFunc(lowStock, func(a, b domain.Product) int {
		if a.Quantity != b.Quantity {
			return a.Quantity - b.Quantity
		}
		return strings.Compare(a.Name, b.Name)
	})

	recent := slices.Clone(sales)
	slices.SortFunc(recent, func(a, b domain.Sale) int {
		return b.Date.Compare(a.Date)
	})
	if len(recent) > recentSalesLimit {
		recent = recent[:recentSalesLimit]
	}

	stats := domain.DashboardStats{
		Date:            today,
		Revenue:         revenue,
		InvoiceCount:    invoices,
		TopProducts:     top,
		LowStock:        lowStock,
		RecentSales:     recent,
		LowStockCeiling: e.lowStockThreshold,
	}
	if admin {
		stats.Profit = &profit
	}
	return stats
}

func cacheKey(admin bool) string {
	if admin {
		return "dashboard:" + domain.RoleAdmin
	}
	return "dashboard:" + domain.RoleEmployee
}

func dateOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
