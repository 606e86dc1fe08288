package plans

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lunapay/subs-api/internal/types"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository defines the contract for plan reference data. Plans are
// immutable from the billing core's point of view; writes happen only
// through the idempotent seeding bootstrap.
type Repository interface {
	ListActivePlans(ctx context.Context) ([]*types.Plan, error)
	// SeedDefaultPlans inserts the default offerings if missing. Safe to
	// call on every startup.
	SeedDefaultPlans(ctx context.Context) error
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool *pgxpool.Pool
}

func NewRepositoryImpl(pgxpool *pgxpool.Pool, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pgxpool,
	}
}

func (r *RepositoryImpl) ListActivePlans(ctx context.Context) ([]*types.Plan, error) {
	ctx, span := otel.Tracer("PlanRepo").Start(ctx, "ListActivePlans", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "plans"),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "ListActivePlans"))
	l.DebugContext(ctx, "Fetching active plans")

	rows, err := r.pgpool.Query(ctx,
		"SELECT id, name, price::text, period_days, is_active FROM plans WHERE is_active = TRUE ORDER BY name")
	if err != nil {
		l.ErrorContext(ctx, "Failed to query plans", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching plans: %w", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		var plan types.Plan
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.Price, &plan.PeriodDays, &plan.IsActive); err != nil {
			l.ErrorContext(ctx, "Failed to scan plan row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning plan: %w", err)
		}
		plans = append(plans, &plan)
	}
	if err = rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating plan rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading plans: %w", err)
	}

	span.SetStatus(codes.Ok, "Plans fetched")
	return plans, nil
}

func (r *RepositoryImpl) SeedDefaultPlans(ctx context.Context) error {
	ctx, span := otel.Tracer("PlanRepo").Start(ctx, "SeedDefaultPlans", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "plans"),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "SeedDefaultPlans"))

	query := `
        INSERT INTO plans (name, price, period_days, is_active)
        VALUES
            ('monthly', 499.00, 30, TRUE),
            ('yearly', 4990.00, 365, TRUE)
        ON CONFLICT (name) DO NOTHING`

	tag, err := r.pgpool.Exec(ctx, query)
	if err != nil {
		l.ErrorContext(ctx, "Failed to seed default plans", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error seeding plans: %w", err)
	}

	if tag.RowsAffected() > 0 {
		l.InfoContext(ctx, "Default plans seeded", slog.Int64("inserted", tag.RowsAffected()))
	}
	span.SetStatus(codes.Ok, "Plans seeded")
	return nil
}
