// Package errgroup runs related goroutines under one cancellation context.
//
// The first failure cancels the context and is returned by Wait. Panics are
// recovered, reported through the runtime package and surfaced as errors.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages goroutines that share a cancellation context.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
	sem     chan struct{}
}

// WithContext returns a Group and a context canceled on the first error or
// when Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used to report recovered panics.
func (g *Group) SetLogger(logger log.Logger) {
	if g != nil {
		g.logger = logger
	}
}

// SetLimit bounds the number of goroutines running at once. It must be
// called before the first Go. Values below 1 remove the limit.
func (g *Group) SetLimit(n int) {
	if n < 1 {
		g.sem = nil
		return
	}

	g.sem = make(chan struct{}, n)
}

func (g *Group) context() context.Context {
	if g.ctx != nil {
		return g.ctx
	}

	return context.Background()
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		if g.cancel != nil {
			g.cancel()
		}
	})
}

// Go runs fn in a new goroutine. It blocks while the group is at its limit.
func (g *Group) Go(fn func() error) {
	if g.sem != nil {
		g.sem <- struct{}{}
	}

	g.wg.Add(1)

	go func() {
		defer g.wg.Done()

		if g.sem != nil {
			defer func() { <-g.sem }()
		}

		defer func() {
			if recovered := recover(); recovered != nil {
				var logger runtime.Logger
				if g.logger != nil {
					logger = g.logger
				}

				runtime.HandlePanicValue(g.context(), logger, recovered, "errgroup", "group.Go")
				g.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			g.fail(err)
		}
	}()
}

// Wait blocks until every goroutine returns and reports the first error.
func (g *Group) Wait() error {
	g.wg.Wait()

	if g.cancel != nil {
		g.cancel()
	}

	return g.err
}
