package billing

import (
	"context"
	"strings"
)

// ChargeRequest carries what a payment provider needs for one attempt.
// Amount is an exact decimal string in the given currency.
type ChargeRequest struct {
	Email    string
	Amount   string
	Currency string
}

// ChargeGateway abstracts the payment provider. Implementations report a
// boolean outcome; a declined charge is a business result, not an error.
type ChargeGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (bool, error)
}

var _ ChargeGateway = (*SimulatedGateway)(nil)

// SimulatedGateway approves every charge unless the customer email contains
// the configured fail pattern. It stands in for a real provider in local and
// test environments; swap it out via the ChargeGateway interface.
type SimulatedGateway struct {
	failPattern string
}

// NewSimulatedGateway builds a gateway that declines charges for emails
// matching failPattern. An empty pattern approves everything.
func NewSimulatedGateway(failPattern string) *SimulatedGateway {
	return &SimulatedGateway{failPattern: failPattern}
}

func (g *SimulatedGateway) Charge(_ context.Context, req ChargeRequest) (bool, error) {
	if g.failPattern != "" && strings.Contains(req.Email, g.failPattern) {
		return false, nil
	}
	return true, nil
}
