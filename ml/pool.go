package ml

import (
	"context"

	"github.com/gridsense/tradingcore/core"
)

// Pool is a bounded worker pool for CPU-bound signal evaluation. The
// engine's event loop dispatches through it so a slow model never stalls
// price handling for longer than one evaluation.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with the given number of concurrent slots.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Evaluate runs the service's evaluation on a pool slot, blocking until a
// slot is free or ctx is cancelled.
func (p *Pool) Evaluate(ctx context.Context, service core.MLService) (core.MLSignal, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return core.MLSignal{}, ctx.Err()
	}

	type result struct {
		signal core.MLSignal
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() { <-p.slots }()
		signal, err := service.Evaluate(ctx)
		done <- result{signal, err}
	}()

	select {
	case r := <-done:
		return r.signal, r.err
	case <-ctx.Done():
		return core.MLSignal{}, ctx.Err()
	}
}
