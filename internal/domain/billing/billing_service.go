package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lunapay/subs-api/internal/types"
	"github.com/lunapay/subs-api/pkg/observability"
)

// defaultCurrency is the only currency this ledger bills in. Multi-currency
// support would hang off the Plan record, not off this constant.
const defaultCurrency = "RUB"

var _ Service = (*ServiceImpl)(nil)

// Service is the subscription engine consumed by the HTTP layer and the
// renewal worker.
type Service interface {
	// Purchase applies one buy/subscribe intent at most once per
	// idempotency key. A reused key replays the recorded outcome verbatim
	// and never reaches the gateway.
	Purchase(ctx context.Context, email string, planID uuid.UUID, idempotencyKey string, simulateFailure bool) (*types.PurchaseResult, error)

	// RenewalSweep reconciles every ACTIVE subscription due as of asOf.
	// Each subscription is its own atomic unit; one bad item never aborts
	// the batch, and a re-run only touches items without a period
	// transaction yet.
	RenewalSweep(ctx context.Context, asOf time.Time) (*types.SweepResult, error)

	// CurrentSubscription returns the most recently created subscription
	// for the user behind email.
	CurrentSubscription(ctx context.Context, email string) (*types.Subscription, error)

	// TransactionHistory returns the user's charge attempts,
	// most recent first.
	TransactionHistory(ctx context.Context, email string, filter types.TransactionFilter) ([]*types.Transaction, error)
}

type ServiceImpl struct {
	logger  *slog.Logger
	repo    Repository
	gateway ChargeGateway
	now     func() time.Time
}

func NewService(repo Repository, gateway ChargeGateway, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:  logger,
		repo:    repo,
		gateway: gateway,
		now:     time.Now,
	}
}

// PeriodKey derives the idempotency key tying one renewal transaction to one
// (subscription, period end) pair. Date precision is enough: a period never
// ends twice on the same day for the same subscription.
func PeriodKey(subID uuid.UUID, periodEnd time.Time) string {
	return fmt.Sprintf("renew-%s-%s", subID.String(), periodEnd.UTC().Format("2006-01-02"))
}

func (s *ServiceImpl) Purchase(ctx context.Context, email string, planID uuid.UUID, idempotencyKey string, simulateFailure bool) (*types.PurchaseResult, error) {
	ctx, span := otel.Tracer("BillingService").Start(ctx, "Purchase", trace.WithAttributes(
		attribute.String("plan.id", planID.String()),
		attribute.Bool("purchase.simulate_failure", simulateFailure),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "Purchase"), slog.String("email", email), slog.String("idempotencyKey", idempotencyKey))
	l.DebugContext(ctx, "Processing purchase")

	if idempotencyKey == "" {
		span.SetStatus(codes.Error, "Missing idempotency key")
		return nil, fmt.Errorf("idempotency key is required: %w", types.ErrBadRequest)
	}

	// Strict replay: the key, not the payload, is authoritative.
	prior, err := s.repo.GetTransactionByKey(ctx, idempotencyKey)
	if err == nil {
		l.InfoContext(ctx, "Idempotency key already recorded, replaying outcome", slog.String("transactionID", prior.ID.String()))
		span.AddEvent("Idempotent replay")
		span.SetStatus(codes.Ok, "Replayed prior outcome")
		observability.PurchasesTotal.WithLabelValues("replayed").Inc()
		return s.replayResult(ctx, prior)
	}
	if !errors.Is(err, types.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Idempotency lookup failed")
		return nil, fmt.Errorf("error checking idempotency key: %w", err)
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to start transaction")
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				l.ErrorContext(ctx, "Transaction rollback failed after error", slog.Any("original_error", err), slog.Any("rollback_error", rbErr))
			}
		}
	}()

	user, err := s.repo.GetOrCreateUserTx(ctx, tx, email)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "User resolution failed")
		return nil, fmt.Errorf("error resolving user: %w", err)
	}

	plan, err := s.repo.GetPlanTx(ctx, tx, planID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			span.SetStatus(codes.Error, "Plan not found")
			err = fmt.Errorf("plan %s: %w", planID.String(), types.ErrInvalidPlan)
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Plan lookup failed")
		return nil, fmt.Errorf("error resolving plan: %w", err)
	}
	if !plan.IsActive {
		l.WarnContext(ctx, "Purchase rejected for inactive plan", slog.String("plan", plan.Name))
		span.SetStatus(codes.Error, "Plan inactive")
		err = fmt.Errorf("plan '%s' is inactive: %w", plan.Name, types.ErrInvalidPlan)
		return nil, err
	}

	charged := false
	if simulateFailure {
		l.InfoContext(ctx, "Charge failure forced by caller")
		span.AddEvent("Simulated charge failure")
	} else {
		var gwErr error
		charged, gwErr = s.gateway.Charge(ctx, ChargeRequest{Email: user.Email, Amount: plan.Price, Currency: defaultCurrency})
		if gwErr != nil {
			// A gateway fault is a failed charge, not an engine error.
			l.WarnContext(ctx, "Charge gateway returned an error, recording failed attempt", slog.Any("error", gwErr))
			span.AddEvent("Gateway error treated as failed charge")
			charged = false
		}
	}

	now := s.now().UTC()

	var sub *types.Subscription
	var subID *uuid.UUID
	if charged {
		sub, err = s.repo.InsertSubscriptionTx(ctx, tx, user.ID, plan.ID, now.AddDate(0, 0, plan.PeriodDays))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Subscription insert failed")
			return nil, fmt.Errorf("error creating subscription: %w", err)
		}
		subID = &sub.ID
	}

	status := types.TransactionFailed
	if charged {
		status = types.TransactionSucceeded
	}
	txn, err := s.repo.InsertTransactionTx(ctx, tx, types.CreateTransactionParams{
		UserID:         user.ID,
		SubscriptionID: subID,
		Amount:         plan.Price,
		Currency:       defaultCurrency,
		Status:         status,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Lost the idempotency race: a concurrent call with the same
			// key committed first. Discard our work and replay theirs.
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				l.ErrorContext(ctx, "Rollback failed after idempotency race", slog.Any("error", rbErr))
			}
			l.InfoContext(ctx, "Idempotency race lost, replaying winner's outcome")
			span.AddEvent("Idempotency race lost")
			winner, replayErr := s.repo.GetTransactionByKey(ctx, idempotencyKey)
			if replayErr != nil {
				err = fmt.Errorf("error re-reading transaction after race: %w", replayErr)
				return nil, err
			}
			err = nil
			span.SetStatus(codes.Ok, "Replayed after race")
			observability.PurchasesTotal.WithLabelValues("replayed").Inc()
			return s.replayResult(ctx, winner)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Transaction insert failed")
		return nil, fmt.Errorf("error recording transaction: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Commit failed")
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	if charged {
		l.InfoContext(ctx, "Purchase completed", slog.String("subscriptionID", sub.ID.String()), slog.String("transactionID", txn.ID.String()))
		observability.PurchasesTotal.WithLabelValues("succeeded").Inc()
	} else {
		l.InfoContext(ctx, "Purchase recorded with failed charge", slog.String("transactionID", txn.ID.String()))
		observability.PurchasesTotal.WithLabelValues("failed").Inc()
	}
	span.SetStatus(codes.Ok, "Purchase processed")
	return &types.PurchaseResult{Transaction: txn, Subscription: sub}, nil
}

// replayResult rebuilds the original purchase outcome from its recorded
// transaction, resolving the linked subscription when one was created.
func (s *ServiceImpl) replayResult(ctx context.Context, txn *types.Transaction) (*types.PurchaseResult, error) {
	result := &types.PurchaseResult{Transaction: txn, Replayed: true}
	if txn.SubscriptionID == nil {
		return result, nil
	}
	sub, err := s.repo.GetSubscription(ctx, *txn.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("error loading subscription for replay: %w", err)
	}
	result.Subscription = sub
	return result, nil
}

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeRenewed
	outcomeFailed
)

func (s *ServiceImpl) RenewalSweep(ctx context.Context, asOf time.Time) (*types.SweepResult, error) {
	ctx, span := otel.Tracer("BillingService").Start(ctx, "RenewalSweep", trace.WithAttributes(
		attribute.String("sweep.as_of", asOf.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "RenewalSweep"), slog.Time("asOf", asOf))
	l.DebugContext(ctx, "Starting renewal sweep")

	subs, err := s.repo.ListDueSubscriptions(ctx, asOf.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Due-set scan failed")
		return nil, fmt.Errorf("error scanning due subscriptions: %w", err)
	}

	result := &types.SweepResult{Checked: len(subs)}
	for _, sub := range subs {
		outcome, itemErr := s.renewOne(ctx, sub, asOf.UTC())
		if itemErr != nil {
			// Failure isolation: log and move on, a re-run picks it up.
			l.ErrorContext(ctx, "Renewal item failed, continuing sweep",
				slog.String("subscriptionID", sub.ID.String()), slog.Any("error", itemErr))
			span.AddEvent("Renewal item error", trace.WithAttributes(attribute.String("subscription.id", sub.ID.String())))
			continue
		}
		switch outcome {
		case outcomeRenewed:
			result.Renewed++
			observability.RenewalsTotal.WithLabelValues("renewed").Inc()
		case outcomeFailed:
			result.Failed++
			observability.RenewalsTotal.WithLabelValues("failed").Inc()
		case outcomeSkipped:
			observability.RenewalsTotal.WithLabelValues("skipped").Inc()
		}
	}

	l.InfoContext(ctx, "Renewal sweep finished",
		slog.Int("checked", result.Checked), slog.Int("renewed", result.Renewed), slog.Int("failed", result.Failed))
	span.SetAttributes(
		attribute.Int("sweep.checked", result.Checked),
		attribute.Int("sweep.renewed", result.Renewed),
		attribute.Int("sweep.failed", result.Failed),
	)
	span.SetStatus(codes.Ok, "Sweep completed")
	return result, nil
}

// renewOne reconciles a single due subscription inside its own transaction.
func (s *ServiceImpl) renewOne(ctx context.Context, sub *types.Subscription, asOf time.Time) (sweepOutcome, error) {
	key := PeriodKey(sub.ID, sub.CurrentPeriodEnd)
	l := s.logger.With(slog.String("method", "renewOne"), slog.String("subscriptionID", sub.ID.String()), slog.String("periodKey", key))

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return outcomeSkipped, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				l.ErrorContext(ctx, "Transaction rollback failed after error", slog.Any("original_error", err), slog.Any("rollback_error", rbErr))
			}
		}
	}()

	exists, err := s.repo.TransactionExistsTx(ctx, tx, key)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("error checking period key: %w", err)
	}
	if exists {
		l.DebugContext(ctx, "Period already reconciled, skipping")
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			l.ErrorContext(ctx, "Rollback failed after skip", slog.Any("error", rbErr))
		}
		return outcomeSkipped, nil
	}

	// Plan deactivation after purchase does not stop renewals.
	plan, err := s.repo.GetPlanTx(ctx, tx, sub.PlanID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("error resolving plan: %w", err)
	}
	user, err := s.repo.GetUserTx(ctx, tx, sub.UserID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("error resolving user: %w", err)
	}

	charged, gwErr := s.gateway.Charge(ctx, ChargeRequest{Email: user.Email, Amount: plan.Price, Currency: defaultCurrency})
	if gwErr != nil {
		l.WarnContext(ctx, "Charge gateway returned an error, recording failed renewal", slog.Any("error", gwErr))
		charged = false
	}

	status := types.TransactionFailed
	outcome := outcomeFailed
	if charged {
		status = types.TransactionSucceeded
		outcome = outcomeRenewed
		if err = s.repo.UpdateSubscriptionTx(ctx, tx, sub.ID, types.SubscriptionActive, asOf.AddDate(0, 0, plan.PeriodDays)); err != nil {
			return outcomeSkipped, fmt.Errorf("error advancing subscription period: %w", err)
		}
	} else {
		if err = s.repo.UpdateSubscriptionTx(ctx, tx, sub.ID, types.SubscriptionPastDue, sub.CurrentPeriodEnd); err != nil {
			return outcomeSkipped, fmt.Errorf("error marking subscription past due: %w", err)
		}
	}

	_, err = s.repo.InsertTransactionTx(ctx, tx, types.CreateTransactionParams{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Amount:         plan.Price,
		Currency:       defaultCurrency,
		Status:         status,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			// A concurrent sweep reconciled this period first.
			l.DebugContext(ctx, "Period key inserted concurrently, skipping")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				l.ErrorContext(ctx, "Rollback failed after period-key race", slog.Any("error", rbErr))
			}
			err = nil
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("error recording renewal transaction: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return outcomeSkipped, fmt.Errorf("failed to commit renewal: %w", err)
	}

	if charged {
		l.InfoContext(ctx, "Subscription renewed")
	} else {
		l.InfoContext(ctx, "Renewal charge failed, subscription past due")
	}
	return outcome, nil
}

func (s *ServiceImpl) CurrentSubscription(ctx context.Context, email string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("BillingService").Start(ctx, "CurrentSubscription")
	defer span.End()

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error resolving user: %w", err)
	}
	sub, err := s.repo.GetLatestSubscriptionByUser(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching current subscription: %w", err)
	}
	span.SetStatus(codes.Ok, "Current subscription fetched")
	return sub, nil
}

func (s *ServiceImpl) TransactionHistory(ctx context.Context, email string, filter types.TransactionFilter) ([]*types.Transaction, error) {
	ctx, span := otel.Tracer("BillingService").Start(ctx, "TransactionHistory")
	defer span.End()

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error resolving user: %w", err)
	}
	txns, err := s.repo.ListTransactionsByUser(ctx, user.ID, filter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error fetching transaction history: %w", err)
	}
	span.SetAttributes(attribute.Int("history.count", len(txns)))
	span.SetStatus(codes.Ok, "Transaction history fetched")
	return txns, nil
}
