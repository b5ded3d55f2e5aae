// Package flight deduplicates concurrent work keyed by a fingerprint: for
// any key at most one computation is in flight, and every concurrent caller
// for that key receives the winner's outcome.
package flight

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// Coordinator coalesces duplicate in-flight work. Per-key coordination
// state lives only while a computation is pending; it is destroyed when the
// last waiter completes.
type Coordinator struct {
	group    singleflight.Group
	logger   observability.Logger
	metrics  observability.MetricsClient
	inFlight atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger observability.Logger, metrics observability.MetricsClient) *Coordinator {
	return &Coordinator{
		logger:  logger.WithPrefix("flight"),
		metrics: metrics,
	}
}

// Do executes fn under single-flight for key. Callers arriving while a
// computation for key is pending wait for its outcome instead of starting
// another; the returned shared flag reports whether the result was produced
// by another caller's computation.
//
// A waiter whose context expires before the winner finishes returns a
// Timeout (or Cancelled) without cancelling the winner. If the winner's own
// context is cancelled, the Cancelled outcome is delivered to every waiter;
// each may independently retry as a fresh winner because the key is released
// when the computation completes.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// The closure runs once, on the winner's context. Waiter
		// deadlines never propagate here.
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordCounter("flight.coalesced", 1, nil)
		}
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		// Unsubscribe without cancelling the winner; the computation keeps
		// running for the remaining waiters.
		c.metrics.RecordCounter("flight.waiter_expired", 1, nil)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, false, models.NewError(models.KindTimeout, "deadline expired while waiting for in-flight result")
		}
		return nil, false, models.NewError(models.KindCancelled, "cancelled while waiting for in-flight result")
	}
}

// Forget drops the pending computation for key so the next caller starts a
// fresh one. Used after a cancelled winner when a waiter elects to retry.
func (c *Coordinator) Forget(key string) {
	c.group.Forget(key)
}

// InFlight reports how many Do calls are currently pending.
func (c *Coordinator) InFlight() int64 {
	return c.inFlight.Load()
}
