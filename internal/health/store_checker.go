package health

import (
	"context"
	"time"
)

// Pinger is implemented by the checkpoint manager and its backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker verifies the checkpoint store is reachable.
type StoreChecker struct {
	store Pinger
}

func NewStoreChecker(store Pinger) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "checkpoint-store"
}

func (c *StoreChecker) Check(ctx context.Context) *Result {
	start := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		return Unhealthy("checkpoint store unreachable").
			WithDetail("error", err.Error()).
			WithLatency(time.Since(start))
	}
	return Healthy("checkpoint store reachable").WithLatency(time.Since(start))
}
