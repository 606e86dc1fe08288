package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lunapay/subs-api/internal/types"
)

// MockBillingService is a mock implementation of billing.Service
type MockBillingService struct {
	mock.Mock
}

func (m *MockBillingService) Purchase(ctx context.Context, email string, planID uuid.UUID, idempotencyKey string, simulateFailure bool) (*types.PurchaseResult, error) {
	args := m.Called(ctx, email, planID, idempotencyKey, simulateFailure)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PurchaseResult), args.Error(1)
}

func (m *MockBillingService) RenewalSweep(ctx context.Context, asOf time.Time) (*types.SweepResult, error) {
	args := m.Called(ctx, asOf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.SweepResult), args.Error(1)
}

func (m *MockBillingService) CurrentSubscription(ctx context.Context, email string) (*types.Subscription, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Subscription), args.Error(1)
}

func (m *MockBillingService) TransactionHistory(ctx context.Context, email string, filter types.TransactionFilter) ([]*types.Transaction, error) {
	args := m.Called(ctx, email, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.Transaction), args.Error(1)
}

// MockPlanService is a mock implementation of plans.Service
type MockPlanService struct {
	mock.Mock
}

func (m *MockPlanService) ListActivePlans(ctx context.Context) ([]*types.Plan, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.Plan), args.Error(1)
}

func (m *MockPlanService) SeedDefaultPlans(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newTestMux(h *BillingHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/subscribe", h.Subscribe)
	mux.HandleFunc("GET /v1/plans", h.ListPlans)
	mux.HandleFunc("GET /v1/users/{email}/subscription", h.GetSubscription)
	mux.HandleFunc("GET /v1/users/{email}/transactions", h.GetTransactions)
	mux.HandleFunc("POST /v1/renewals/run", h.RunRenewals)
	return mux
}

func TestSubscribe(t *testing.T) {
	planID := uuid.New()
	subID := uuid.New()
	succeeded := &types.PurchaseResult{
		Transaction:  &types.Transaction{ID: uuid.New(), Amount: "499.00", Status: types.TransactionSucceeded, SubscriptionID: &subID},
		Subscription: &types.Subscription{ID: subID, Status: types.SubscriptionActive},
	}
	failed := &types.PurchaseResult{
		Transaction: &types.Transaction{ID: uuid.New(), Amount: "499.00", Status: types.TransactionFailed},
	}

	tests := []struct {
		name           string
		body           string
		setupMock      func(svc *MockBillingService)
		expectedStatus int
		check          func(t *testing.T, body subscribeResponse)
	}{
		{
			name: "Successful Purchase",
			body: `{"email":"alice@example.com","plan_id":"` + planID.String() + `","idempotency_key":"k1"}`,
			setupMock: func(svc *MockBillingService) {
				svc.On("Purchase", mock.Anything, "alice@example.com", planID, "k1", false).Return(succeeded, nil)
			},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, body subscribeResponse) {
				require.NotNil(t, body.Subscription)
				assert.Equal(t, subID, body.Subscription.ID)
				assert.False(t, body.Replayed)
			},
		},
		{
			name: "Failed Charge Returns Payment Required",
			body: `{"email":"fail@example.com","plan_id":"` + planID.String() + `","idempotency_key":"k2","simulate_failure":true}`,
			setupMock: func(svc *MockBillingService) {
				svc.On("Purchase", mock.Anything, "fail@example.com", planID, "k2", true).Return(failed, nil)
			},
			expectedStatus: http.StatusPaymentRequired,
			check: func(t *testing.T, body subscribeResponse) {
				assert.Nil(t, body.Subscription)
				assert.Equal(t, types.TransactionFailed, body.Transaction.Status)
			},
		},
		{
			name: "Replayed Purchase",
			body: `{"email":"alice@example.com","plan_id":"` + planID.String() + `","idempotency_key":"k1"}`,
			setupMock: func(svc *MockBillingService) {
				replayed := &types.PurchaseResult{Transaction: succeeded.Transaction, Subscription: succeeded.Subscription, Replayed: true}
				svc.On("Purchase", mock.Anything, "alice@example.com", planID, "k1", false).Return(replayed, nil)
			},
			expectedStatus: http.StatusOK,
			check: func(t *testing.T, body subscribeResponse) {
				assert.True(t, body.Replayed)
			},
		},
		{
			name: "Invalid Plan",
			body: `{"email":"alice@example.com","plan_id":"` + planID.String() + `","idempotency_key":"k3"}`,
			setupMock: func(svc *MockBillingService) {
				svc.On("Purchase", mock.Anything, "alice@example.com", planID, "k3", false).Return(nil, types.ErrInvalidPlan)
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing Idempotency Key",
			body:           `{"email":"alice@example.com","plan_id":"` + planID.String() + `"}`,
			setupMock:      func(svc *MockBillingService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed Plan ID",
			body:           `{"email":"alice@example.com","plan_id":"not-a-uuid","idempotency_key":"k4"}`,
			setupMock:      func(svc *MockBillingService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed Body",
			body:           `{`,
			setupMock:      func(svc *MockBillingService) {},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "Engine Error",
			body: `{"email":"alice@example.com","plan_id":"` + planID.String() + `","idempotency_key":"k5"}`,
			setupMock: func(svc *MockBillingService) {
				svc.On("Purchase", mock.Anything, "alice@example.com", planID, "k5", false).Return(nil, errors.New("connection reset"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mockSvc := new(MockBillingService)
			tc.setupMock(mockSvc)
			h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

			req := httptest.NewRequest(http.MethodPost, "/v1/subscribe", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			newTestMux(h).ServeHTTP(rec, req)

			assert.Equal(t, tc.expectedStatus, rec.Code)
			if tc.check != nil {
				var body subscribeResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				tc.check(t, body)
			}
			mockSvc.AssertExpectations(t)
		})
	}
}

func TestListPlans(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockPlans := new(MockPlanService)
		mockPlans.On("ListActivePlans", mock.Anything).Return([]*types.Plan{
			{ID: uuid.New(), Name: "monthly", Price: "499.00", PeriodDays: 30, IsActive: true},
		}, nil)
		h := NewBillingHandler(new(MockBillingService), mockPlans, slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body []*types.Plan
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Len(t, body, 1)
		assert.Equal(t, "499.00", body[0].Price)
	})

	t.Run("Empty Set Serializes As Array", func(t *testing.T) {
		mockPlans := new(MockPlanService)
		mockPlans.On("ListActivePlans", mock.Anything).Return(nil, nil)
		h := NewBillingHandler(new(MockBillingService), mockPlans, slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})
}

func TestGetSubscription(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		sub := &types.Subscription{ID: uuid.New(), Status: types.SubscriptionActive}
		mockSvc := new(MockBillingService)
		mockSvc.On("CurrentSubscription", mock.Anything, "alice@example.com").Return(sub, nil)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/users/alice@example.com/subscription", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body types.Subscription
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, sub.ID, body.ID)
	})

	t.Run("Not Found", func(t *testing.T) {
		mockSvc := new(MockBillingService)
		mockSvc.On("CurrentSubscription", mock.Anything, "ghost@example.com").Return(nil, types.ErrNotFound)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/users/ghost@example.com/subscription", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetTransactions(t *testing.T) {
	t.Run("Status Filter Passed Through", func(t *testing.T) {
		failedStatus := types.TransactionFailed
		mockSvc := new(MockBillingService)
		mockSvc.On("TransactionHistory", mock.Anything, "alice@example.com", types.TransactionFilter{Status: &failedStatus}).
			Return([]*types.Transaction{{ID: uuid.New(), Amount: "499.00", Status: types.TransactionFailed}}, nil)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/users/alice@example.com/transactions?status=FAILED", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		mockSvc.AssertExpectations(t)
	})

	t.Run("Unknown Status Rejected", func(t *testing.T) {
		mockSvc := new(MockBillingService)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/users/alice@example.com/transactions?status=PENDING", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		mockSvc.AssertNotCalled(t, "TransactionHistory", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Empty History Serializes As Array", func(t *testing.T) {
		mockSvc := new(MockBillingService)
		mockSvc.On("TransactionHistory", mock.Anything, "alice@example.com", types.TransactionFilter{}).Return(nil, nil)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodGet, "/v1/users/alice@example.com/transactions", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})
}

func TestRunRenewals(t *testing.T) {
	t.Run("With As Of", func(t *testing.T) {
		asOf := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		mockSvc := new(MockBillingService)
		mockSvc.On("RenewalSweep", mock.Anything, asOf).Return(&types.SweepResult{Checked: 3, Renewed: 2, Failed: 1}, nil)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodPost, "/v1/renewals/run", bytes.NewBufferString(`{"as_of":"2025-03-01T00:00:00Z"}`))
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body types.SweepResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, types.SweepResult{Checked: 3, Renewed: 2, Failed: 1}, body)
		mockSvc.AssertExpectations(t)
	})

	t.Run("Defaults To Now", func(t *testing.T) {
		mockSvc := new(MockBillingService)
		mockSvc.On("RenewalSweep", mock.Anything, mock.AnythingOfType("time.Time")).Return(&types.SweepResult{}, nil)
		h := NewBillingHandler(mockSvc, new(MockPlanService), slog.Default())

		req := httptest.NewRequest(http.MethodPost, "/v1/renewals/run", nil)
		rec := httptest.NewRecorder()
		newTestMux(h).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		mockSvc.AssertExpectations(t)
	})
}
