package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lunapay/subs-api/internal/types"
)

const uniqueViolationCode = "23505"

var _ Repository = (*RepositoryImpl)(nil)

// Repository defines the contract for the billing ledger store. Methods with
// a Tx suffix take an open pgx transaction so the service can compose them
// into one atomic unit per purchase or per renewal item.
type Repository interface {
	// BeginTx opens the atomic unit the engine runs one operation in.
	BeginTx(ctx context.Context) (pgx.Tx, error)

	// GetTransactionByKey returns the transaction recorded under an
	// idempotency key. Returns types.ErrNotFound when no attempt was
	// recorded under that key.
	GetTransactionByKey(ctx context.Context, key string) (*types.Transaction, error)
	TransactionExistsTx(ctx context.Context, tx pgx.Tx, key string) (bool, error)
	InsertTransactionTx(ctx context.Context, tx pgx.Tx, params types.CreateTransactionParams) (*types.Transaction, error)

	// GetOrCreateUserTx resolves a user by exact email, creating it lazily.
	// A concurrent-creation race surfaces as a unique violation and is
	// resolved here by re-reading the winner's row.
	GetOrCreateUserTx(ctx context.Context, tx pgx.Tx, email string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	GetUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*types.User, error)

	GetPlanTx(ctx context.Context, tx pgx.Tx, planID uuid.UUID) (*types.Plan, error)

	InsertSubscriptionTx(ctx context.Context, tx pgx.Tx, userID, planID uuid.UUID, periodEnd time.Time) (*types.Subscription, error)
	UpdateSubscriptionTx(ctx context.Context, tx pgx.Tx, subID uuid.UUID, status types.SubscriptionStatus, periodEnd time.Time) error
	GetSubscription(ctx context.Context, subID uuid.UUID) (*types.Subscription, error)

	// ListDueSubscriptions returns ACTIVE subscriptions whose period has
	// elapsed as of asOf, in deterministic (created_at, id) order.
	ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]*types.Subscription, error)

	// Read-only projections for the query facade.
	GetLatestSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*types.Subscription, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, filter types.TransactionFilter) ([]*types.Transaction, error)
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

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. The engine treats those as "already done" signals, never as
// caller-facing failures.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func (r *RepositoryImpl) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := r.pgpool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

func (r *RepositoryImpl) GetTransactionByKey(ctx context.Context, key string) (*types.Transaction, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "GetTransactionByKey", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "transactions"),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "GetTransactionByKey"), slog.String("idempotencyKey", key))
	l.DebugContext(ctx, "Looking up transaction by idempotency key")

	query := `
        SELECT id, user_id, subscription_id, amount::text, currency, status, idempotency_key, created_at
        FROM transactions
        WHERE idempotency_key = $1`

	var txn types.Transaction
	err := r.pgpool.QueryRow(ctx, query, key).Scan(
		&txn.ID,
		&txn.UserID,
		&txn.SubscriptionID,
		&txn.Amount,
		&txn.Currency,
		&txn.Status,
		&txn.IdempotencyKey,
		&txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "No prior transaction")
			return nil, fmt.Errorf("transaction with key '%s' not found: %w", key, types.ErrNotFound)
		}
		l.ErrorContext(ctx, "Failed to query transaction by key", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching transaction: %w", err)
	}

	span.SetStatus(codes.Ok, "Transaction found")
	return &txn, nil
}

func (r *RepositoryImpl) TransactionExistsTx(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM transactions WHERE idempotency_key = $1)", key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("database error checking idempotency key: %w", err)
	}
	return exists, nil
}

func (r *RepositoryImpl) InsertTransactionTx(ctx context.Context, tx pgx.Tx, params types.CreateTransactionParams) (*types.Transaction, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "InsertTransactionTx", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "transactions"),
		attribute.String("transaction.status", string(params.Status)),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "InsertTransactionTx"), slog.String("idempotencyKey", params.IdempotencyKey))

	query := `
        INSERT INTO transactions (user_id, subscription_id, amount, currency, status, idempotency_key)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, user_id, subscription_id, amount::text, currency, status, idempotency_key, created_at`

	var txn types.Transaction
	err := tx.QueryRow(ctx, query,
		params.UserID,
		params.SubscriptionID,
		params.Amount,
		params.Currency,
		params.Status,
		params.IdempotencyKey,
	).Scan(
		&txn.ID,
		&txn.UserID,
		&txn.SubscriptionID,
		&txn.Amount,
		&txn.Currency,
		&txn.Status,
		&txn.IdempotencyKey,
		&txn.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			l.WarnContext(ctx, "Idempotency key already recorded by a concurrent writer", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Duplicate idempotency key")
			return nil, fmt.Errorf("transaction with key '%s' already recorded: %w", params.IdempotencyKey, types.ErrConflict)
		}
		l.ErrorContext(ctx, "Failed to insert transaction", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error inserting transaction: %w", err)
	}

	span.SetAttributes(attribute.String("db.transaction.id", txn.ID.String()))
	span.SetStatus(codes.Ok, "Transaction inserted")
	return &txn, nil
}

func (r *RepositoryImpl) GetOrCreateUserTx(ctx context.Context, tx pgx.Tx, email string) (*types.User, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "GetOrCreateUserTx", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "users"),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "GetOrCreateUserTx"), slog.String("email", email))

	if email == "" {
		span.SetStatus(codes.Error, "Email cannot be empty")
		return nil, fmt.Errorf("email cannot be empty: %w", types.ErrBadRequest)
	}

	selectQuery := "SELECT id, email, role, created_at FROM users WHERE email = $1"

	var user types.User
	err := tx.QueryRow(ctx, selectQuery, email).Scan(&user.ID, &user.Email, &user.Role, &user.CreatedAt)
	if err == nil {
		span.SetStatus(codes.Ok, "User found")
		return &user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		l.ErrorContext(ctx, "Failed to query user by email", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching user: %w", err)
	}

	// ON CONFLICT DO NOTHING keeps a lost creation race from raising a
	// unique violation, which would abort the enclosing transaction and
	// poison every later statement in it.
	insertQuery := `
        INSERT INTO users (email, role)
        VALUES ($1, $2)
        ON CONFLICT (email) DO NOTHING
        RETURNING id, email, role, created_at`

	err = tx.QueryRow(ctx, insertQuery, email, types.RoleUser).Scan(&user.ID, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the creation race; reuse the winner's row.
			l.DebugContext(ctx, "User created concurrently, re-reading")
			span.AddEvent("User creation race, re-reading winner row")
			if rErr := tx.QueryRow(ctx, selectQuery, email).Scan(&user.ID, &user.Email, &user.Role, &user.CreatedAt); rErr != nil {
				span.RecordError(rErr)
				span.SetStatus(codes.Error, "Re-read after race failed")
				return nil, fmt.Errorf("database error re-reading user after race: %w", rErr)
			}
			span.SetStatus(codes.Ok, "User reused after race")
			return &user, nil
		}
		l.ErrorContext(ctx, "Failed to insert user", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating user: %w", err)
	}

	l.InfoContext(ctx, "User created lazily on first purchase", slog.String("userID", user.ID.String()))
	span.SetAttributes(attribute.String("db.user.id", user.ID.String()))
	span.SetStatus(codes.Ok, "User created")
	return &user, nil
}

func (r *RepositoryImpl) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	err := r.pgpool.QueryRow(ctx,
		"SELECT id, email, role, created_at FROM users WHERE email = $1", email).Scan(
		&user.ID, &user.Email, &user.Role, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user with email '%s' not found: %w", email, types.ErrNotFound)
		}
		return nil, fmt.Errorf("database error fetching user: %w", err)
	}
	return &user, nil
}

func (r *RepositoryImpl) GetUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*types.User, error) {
	var user types.User
	err := tx.QueryRow(ctx,
		"SELECT id, email, role, created_at FROM users WHERE id = $1", userID).Scan(
		&user.ID, &user.Email, &user.Role, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s not found: %w", userID.String(), types.ErrNotFound)
		}
		return nil, fmt.Errorf("database error fetching user: %w", err)
	}
	return &user, nil
}

func (r *RepositoryImpl) GetPlanTx(ctx context.Context, tx pgx.Tx, planID uuid.UUID) (*types.Plan, error) {
	var plan types.Plan
	err := tx.QueryRow(ctx,
		"SELECT id, name, price::text, period_days, is_active FROM plans WHERE id = $1", planID).Scan(
		&plan.ID, &plan.Name, &plan.Price, &plan.PeriodDays, &plan.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("plan %s not found: %w", planID.String(), types.ErrNotFound)
		}
		return nil, fmt.Errorf("database error fetching plan: %w", err)
	}
	return &plan, nil
}

func (r *RepositoryImpl) InsertSubscriptionTx(ctx context.Context, tx pgx.Tx, userID, planID uuid.UUID, periodEnd time.Time) (*types.Subscription, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "InsertSubscriptionTx", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.user.id", userID.String()),
		attribute.String("db.plan.id", planID.String()),
	))
	defer span.End()

	query := `
        INSERT INTO subscriptions (user_id, plan_id, status, current_period_end)
        VALUES ($1, $2, $3, $4)
        RETURNING id, user_id, plan_id, status, current_period_end, created_at`

	var sub types.Subscription
	err := tx.QueryRow(ctx, query, userID, planID, types.SubscriptionActive, periodEnd).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return nil, fmt.Errorf("database error creating subscription: %w", err)
	}

	span.SetAttributes(attribute.String("db.subscription.id", sub.ID.String()))
	span.SetStatus(codes.Ok, "Subscription created")
	return &sub, nil
}

func (r *RepositoryImpl) UpdateSubscriptionTx(ctx context.Context, tx pgx.Tx, subID uuid.UUID, status types.SubscriptionStatus, periodEnd time.Time) error {
	tag, err := tx.Exec(ctx,
		"UPDATE subscriptions SET status = $1, current_period_end = $2 WHERE id = $3",
		status, periodEnd, subID,
	)
	if err != nil {
		return fmt.Errorf("database error updating subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found: %w", subID.String(), types.ErrNotFound)
	}
	return nil
}

func (r *RepositoryImpl) GetSubscription(ctx context.Context, subID uuid.UUID) (*types.Subscription, error) {
	var sub types.Subscription
	err := r.pgpool.QueryRow(ctx,
		"SELECT id, user_id, plan_id, status, current_period_end, created_at FROM subscriptions WHERE id = $1",
		subID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s not found: %w", subID.String(), types.ErrNotFound)
		}
		return nil, fmt.Errorf("database error fetching subscription: %w", err)
	}
	return &sub, nil
}

func (r *RepositoryImpl) ListDueSubscriptions(ctx context.Context, asOf time.Time) ([]*types.Subscription, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "ListDueSubscriptions", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "subscriptions"),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "ListDueSubscriptions"), slog.Time("asOf", asOf))
	l.DebugContext(ctx, "Scanning due subscriptions")

	query := `
        SELECT id, user_id, plan_id, status, current_period_end, created_at
        FROM subscriptions
        WHERE status = $1 AND current_period_end <= $2
        ORDER BY created_at, id`

	rows, err := r.pgpool.Query(ctx, query, types.SubscriptionActive, asOf)
	if err != nil {
		l.ErrorContext(ctx, "Failed to query due subscriptions", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		var sub types.Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt); err != nil {
			l.ErrorContext(ctx, "Failed to scan subscription row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err = rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating subscription rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading subscriptions: %w", err)
	}

	l.DebugContext(ctx, "Due set scanned", slog.Int("count", len(subs)))
	span.SetAttributes(attribute.Int("db.due_set.size", len(subs)))
	span.SetStatus(codes.Ok, "Due subscriptions fetched")
	return subs, nil
}

func (r *RepositoryImpl) GetLatestSubscriptionByUser(ctx context.Context, userID uuid.UUID) (*types.Subscription, error) {
	query := `
        SELECT id, user_id, plan_id, status, current_period_end, created_at
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT 1`

	var sub types.Subscription
	err := r.pgpool.QueryRow(ctx, query, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no subscription for user %s: %w", userID.String(), types.ErrNotFound)
		}
		return nil, fmt.Errorf("database error fetching latest subscription: %w", err)
	}
	return &sub, nil
}

func (r *RepositoryImpl) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, filter types.TransactionFilter) ([]*types.Transaction, error) {
	ctx, span := otel.Tracer("BillingRepo").Start(ctx, "ListTransactionsByUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "transactions"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "ListTransactionsByUser"), slog.String("userID", userID.String()))

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	builder := squirrel.Select("id", "user_id", "subscription_id", "amount::text", "currency", "status", "idempotency_key", "created_at").
		From("transactions").
		PlaceholderFormat(squirrel.Dollar).
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if filter.Status != nil {
		builder = builder.Where(squirrel.Eq{"status": *filter.Status})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build transaction history query: %w", err)
	}

	rows, err := r.pgpool.Query(ctx, query, args...)
	if err != nil {
		l.ErrorContext(ctx, "Failed to query transaction history", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching transactions: %w", err)
	}
	defer rows.Close()

	var txns []*types.Transaction
	for rows.Next() {
		var txn types.Transaction
		if err := rows.Scan(
			&txn.ID, &txn.UserID, &txn.SubscriptionID, &txn.Amount,
			&txn.Currency, &txn.Status, &txn.IdempotencyKey, &txn.CreatedAt,
		); err != nil {
			l.ErrorContext(ctx, "Failed to scan transaction row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning transaction: %w", err)
		}
		txns = append(txns, &txn)
	}
	if err = rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating transaction rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading transactions: %w", err)
	}

	l.DebugContext(ctx, "Transaction history fetched", slog.Int("count", len(txns)))
	span.SetStatus(codes.Ok, "Transactions fetched")
	return txns, nil
}
