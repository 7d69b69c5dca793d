package payments

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// ErrDeclined is a definitive gateway refusal. It is not retryable.
var ErrDeclined = errors.New("insufficient funds or card declined")

// Processor settles a charge with an external gateway and returns the
// gateway's transaction id.
type Processor interface {
	Charge(ctx context.Context, p Payment) (string, error)
}

// SimulatedProcessorConfig configures the fake gateway.
type SimulatedProcessorConfig struct {
	// SuccessRate in [0,1]. Zero means the default of 0.8.
	SuccessRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	Rand        func() float64
	Sleep       func(context.Context, time.Duration) error
	NewTxID     func() string
}

// SimulatedProcessor stands in for a payment gateway. It sleeps for a
// randomized settlement latency and then approves or declines by coin flip.
type SimulatedProcessor struct {
	successRate float64
	minLatency  time.Duration
	maxLatency  time.Duration
	rand        func() float64
	sleep       func(context.Context, time.Duration) error
	newTxID     func() string
}

// NewSimulatedProcessor constructs the fake gateway from cfg.
func NewSimulatedProcessor(cfg SimulatedProcessorConfig) *SimulatedProcessor {
	rate := cfg.SuccessRate
	if rate <= 0 {
		rate = 0.8
	}
	if rate > 1 {
		rate = 1
	}
	randFn := cfg.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	newTxID := cfg.NewTxID
	if newTxID == nil {
		newTxID = func() string { return "ext_tx_" + uuid.NewString() }
	}
	return &SimulatedProcessor{
		successRate: rate,
		minLatency:  cfg.MinLatency,
		maxLatency:  cfg.MaxLatency,
		rand:        randFn,
		sleep:       sleep,
		newTxID:     newTxID,
	}
}

func (p *SimulatedProcessor) Charge(ctx context.Context, payment Payment) (string, error) {
	if payment.Amount <= 0 {
		return "", fmt.Errorf("invalid amount %v", payment.Amount)
	}

	if delay := p.latency(); delay > 0 {
		if err := p.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	if p.rand() >= p.successRate {
		return "", ErrDeclined
	}
	return p.newTxID(), nil
}

func (p *SimulatedProcessor) latency() time.Duration {
	if p.maxLatency <= p.minLatency {
		return p.minLatency
	}
	span := p.maxLatency - p.minLatency
	return p.minLatency + time.Duration(p.rand()*float64(span))
}
