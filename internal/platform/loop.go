// Package platform runs chat-platform operations on a single long-lived loop.
//
// Webhook handlers never call the platform directly: they submit work to the
// loop and wait for the result with a bound. A stalled loop or unreachable
// platform surfaces as ErrTimeout instead of a hung request.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned when a submitted operation did not finish within the
// loop's call timeout.
var ErrTimeout = errors.New("platform call timed out")

// ErrStopped is returned when the loop is not running.
var ErrStopped = errors.New("platform loop stopped")

const defaultCallTimeout = 10 * time.Second

type request struct {
	ctx  context.Context
	name string
	fn   func(context.Context) error
	done chan error
}

// Loop executes submitted operations one at a time, in submission order.
type Loop struct {
	requests chan request
	stopped  chan struct{}
	timeout  time.Duration
}

// NewLoop creates a Loop whose callers wait at most callTimeout.
func NewLoop(callTimeout time.Duration) *Loop {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Loop{
		requests: make(chan request),
		stopped:  make(chan struct{}),
		timeout:  callTimeout,
	}
}

// Run processes requests until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Dur("call_timeout", l.timeout).Msg("Platform loop started")
	defer close(l.stopped)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Platform loop stopped")
			return nil
		case req := <-l.requests:
			l.execute(req)
		}
	}
}

func (l *Loop) execute(req request) {
	if err := req.ctx.Err(); err != nil {
		req.done <- err
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("op", req.name).Msg("Platform operation panicked")
			req.done <- fmt.Errorf("platform operation %s panicked: %v", req.name, r)
		}
	}()
	req.done <- req.fn(req.ctx)
}

// Do submits fn to the loop and waits for its result. fn receives a context
// that expires with the call timeout. Expiry returns ErrTimeout; cancellation
// of ctx returns ctx.Err().
func (l *Loop) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req := request{
		ctx:  callCtx,
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case l.requests <- req:
	case <-l.stopped:
		return ErrStopped
	case <-callCtx.Done():
		return l.waitError(ctx, name)
	}

	select {
	case err := <-req.done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s: %v", ErrTimeout, name, err)
		}
		return err
	case <-callCtx.Done():
		return l.waitError(ctx, name)
	}
}

func (l *Loop) waitError(parent context.Context, name string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	log.Warn().Str("op", name).Dur("timeout", l.timeout).Msg("Platform call timed out")
	return fmt.Errorf("%w: %s after %s", ErrTimeout, name, l.timeout)
}
