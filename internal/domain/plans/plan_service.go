package plans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lunapay/subs-api/internal/types"
)

const activePlansCacheKey = "plans:active"

var _ Service = (*ServiceImpl)(nil)

// Service exposes plan reference data to the HTTP layer.
type Service interface {
	ListActivePlans(ctx context.Context) ([]*types.Plan, error)
	SeedDefaultPlans(ctx context.Context) error
}

// ServiceImpl caches the active plan list; plans change only via external
// seeding so a short TTL is plenty.
type ServiceImpl struct {
	logger *slog.Logger
	repo   Repository
	cache  *cache.Cache
}

func NewService(repo Repository, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger: logger,
		repo:   repo,
		cache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

func (s *ServiceImpl) ListActivePlans(ctx context.Context) ([]*types.Plan, error) {
	ctx, span := otel.Tracer("PlanService").Start(ctx, "ListActivePlans")
	defer span.End()

	if cached, found := s.cache.Get(activePlansCacheKey); found {
		if plans, ok := cached.([]*types.Plan); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			span.SetStatus(codes.Ok, "Plans served from cache")
			return plans, nil
		}
	}

	plans, err := s.repo.ListActivePlans(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to fetch active plans", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to fetch active plans")
		return nil, fmt.Errorf("error fetching active plans: %w", err)
	}

	s.cache.Set(activePlansCacheKey, plans, cache.DefaultExpiration)
	span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Int("plans.count", len(plans)))
	span.SetStatus(codes.Ok, "Plans fetched")
	return plans, nil
}

func (s *ServiceImpl) SeedDefaultPlans(ctx context.Context) error {
	ctx, span := otel.Tracer("PlanService").Start(ctx, "SeedDefaultPlans")
	defer span.End()

	if err := s.repo.SeedDefaultPlans(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Seeding failed")
		return fmt.Errorf("error seeding default plans: %w", err)
	}
	s.cache.Delete(activePlansCacheKey)
	span.SetStatus(codes.Ok, "Plans seeded")
	return nil
}
