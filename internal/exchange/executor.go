package exchange

import (
	"context"

	"github.com/google/uuid"
)

// OrderExecutor turns an order request into a fill.
type OrderExecutor interface {
	Execute(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// NewExecutor picks the executor for a session's mode. Simulation never
// reaches the network; demo and real go through the gateway, which points at
// the testnet or production endpoint respectively.
func NewExecutor(mode Mode, gw Gateway) OrderExecutor {
	if mode == ModeSimulation {
		return PaperExecutor{}
	}
	return &LiveExecutor{gateway: gw}
}

// PaperExecutor synthesizes a full fill at the reference price.
type PaperExecutor struct{}

func (PaperExecutor) Execute(_ context.Context, req OrderRequest) (OrderResult, error) {
	return OrderResult{
		OrderID:     "SIM-" + uuid.NewString(),
		ExecutedQty: req.Quantity,
		AvgPrice:    req.RefPrice,
		Simulated:   true,
	}, nil
}

// LiveExecutor places orders through the gateway.
type LiveExecutor struct {
	gateway Gateway
}

func (e *LiveExecutor) Execute(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Type == "" {
		req.Type = OrderTypeMarket
	}
	res, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return OrderResult{}, err
	}
	if res.AvgPrice.IsZero() {
		res.AvgPrice = req.RefPrice
	}
	if res.ExecutedQty.IsZero() {
		res.ExecutedQty = req.Quantity
	}
	return res, nil
}
