package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/report"
	"shakerin/backend/internal/store"
)

var (
	ErrUnauthorized       = errors.New("authentication required")
	ErrForbidden          = errors.New("admin role required")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrSaleNotFound     = fmt.Errorf("sale %w", store.ErrNotFound)
	ErrProductNotFound  = fmt.Errorf("product %w", store.ErrNotFound)
	ErrCategoryNotFound = fmt.Errorf("category %w", store.ErrNotFound)
	ErrUserNotFound     = fmt.Errorf("user %w", store.ErrNotFound)
)

type actorContextKey struct{}

// WithActor attaches the authenticated session to ctx. Every operation
// reads the acting user from here instead of any shared state.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	reports *report.Engine
	now     func() time.Time
}

func New(repo store.Repository, reports *report.Engine) *Service {
	if reports == nil {
		reports = report.NewEngine(nil, 0, 0)
	}

	return &Service{
		repo:    repo,
		reports: reports,
		now:     time.Now,
	}
}

func (s *Service) Dashboard(ctx context.Context) (domain.DashboardStats, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	return s.reports.Dashboard(ctx, actor.IsAdmin(), s.now(), func(ctx context.Context) ([]domain.Sale, []domain.Product, error) {
		sales, err := s.repo.ListSales(ctx)
		if err != nil {
			return nil, nil, err
		}
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, nil, err
		}
		return sales, products, nil
	})
}

func (s *Service) invalidateReports(ctx context.Context) {
	s.reports.Invalidate(context.WithoutCancel(ctx))
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, ErrUnauthorized
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsAdmin() {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func mapNotFound(err error, target error) error {
	if errors.Is(err, store.ErrNotFound) {
		return target
	}
	return err
}

// logger returns the request-scoped logger when the transport attached one.
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
