package types

import (
	"time"

	"github.com/google/uuid"
)

// UserRole distinguishes operators from regular customers. The billing core
// never branches on it; it exists for the admin surface.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// SubscriptionStatus is the closed set of billing states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

// TransactionStatus is the closed set of outcomes for a charge attempt.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "SUCCEEDED"
	TransactionFailed    TransactionStatus = "FAILED"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is read-only reference data seeded outside the billing engine.
// Price is an exact NUMERIC(10,2) value carried as a decimal string; it is
// never parsed into a float anywhere in this codebase.
type Plan struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Price      string    `json:"price"`
	PeriodDays int       `json:"period_days"`
	IsActive   bool      `json:"is_active"`
}

type Subscription struct {
	ID               uuid.UUID          `json:"id"`
	UserID           uuid.UUID          `json:"user_id"`
	PlanID           uuid.UUID          `json:"plan_id"`
	Status           SubscriptionStatus `json:"status"`
	CurrentPeriodEnd time.Time          `json:"current_period_end"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Transaction is the immutable audit record of one charge attempt. Rows are
// only ever inserted; the idempotency key is globally unique and anchors all
// replay semantics.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	UserID         uuid.UUID         `json:"user_id"`
	SubscriptionID *uuid.UUID        `json:"subscription_id,omitempty"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CreateTransactionParams carries the fields for one transaction insert.
type CreateTransactionParams struct {
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	Amount         string
	Currency       string
	Status         TransactionStatus
	IdempotencyKey string
}

// TransactionFilter narrows transaction-history lookups. Use pointers for
// optional filters; a zero Limit means the repository default.
type TransactionFilter struct {
	Status *TransactionStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

// PurchaseResult is what the engine reports for one purchase call.
// Subscription is nil when the charge failed. Replayed marks idempotent
// replays of an earlier attempt.
type PurchaseResult struct {
	Transaction  *Transaction  `json:"transaction"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Replayed     bool          `json:"replayed"`
}

// SweepResult summarizes one renewal sweep run. Checked counts the scanned
// due set; subscriptions skipped as already reconciled count toward neither
// Renewed nor Failed.
type SweepResult struct {
	Checked int `json:"checked"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
}
