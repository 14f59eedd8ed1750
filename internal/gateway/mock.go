package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MockGateway simulates the mobile-money gateway for local runs and testing.
// It introduces a short random delay, fails a configurable fraction of calls,
// and honors idempotency keys: a repeated key returns the original receipt.
type MockGateway struct {
	// FailureRate is the probability of failure (0.0 to 1.0).
	FailureRate float64

	mu       sync.Mutex
	receipts map[string]string
}

// NewMockGateway creates a MockGateway with a 10% failure rate.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		FailureRate: 0.1,
		receipts:    make(map[string]string),
	}
}

// MoveFunds simulates a gateway transfer. Repeated calls with a known
// idempotency key short-circuit to the recorded receipt, matching the contract
// the real gateway provides.
func (g *MockGateway) MoveFunds(ctx context.Context, req MoveFundsRequest) (string, error) {
	g.mu.Lock()
	if receipt, ok := g.receipts[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		return receipt, nil
	}
	g.mu.Unlock()

	delay := time.Duration(200+rand.Intn(800)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", fmt.Errorf("gateway call canceled: %w", ctx.Err())
	}

	if rand.Float64() < g.FailureRate {
		return "", fmt.Errorf("gateway temporarily unavailable")
	}

	receipt := fmt.Sprintf("MOCK-%s-%05d", time.Now().Format("20060102-150405"), rand.Intn(100000))
	g.mu.Lock()
	g.receipts[req.IdempotencyKey] = receipt
	g.mu.Unlock()
	return receipt, nil
}
