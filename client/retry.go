package client

import (
	"context"
	"errors"
	"syscall"
	"time"

	"chanrpc/protocol"
	"chanrpc/registry"
	"chanrpc/transport"
)

// RetryPolicy retries calls that failed because no channel could be used:
// the dial was refused, the endpoint vanished, or the channel was lost
// before the response arrived. Delays grow exponentially from BaseDelay.
//
// A call lost with its channel may already have run on the server, so
// retried methods should be idempotent.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func retryable(err error) bool {
	// A server that closed with an epitaph meant it, unless it is shutting
	// down.
	var epitaph *protocol.EpitaphError
	if errors.As(err, &epitaph) {
		return epitaph.Status == protocol.StatusUnavailable
	}
	return errors.Is(err, ErrChannelGone) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, transport.ErrPeerClosed) ||
		errors.Is(err, registry.ErrNotFound)
}

// do runs call until it succeeds, fails with a non-retryable error, the
// retries are used up, or ctx is done.
func (p RetryPolicy) do(ctx context.Context, call func() error, onRetry func(attempt int, err error)) error {
	err := call()
	for i := 0; i < p.MaxRetries; i++ {
		if err == nil || !retryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(i+1, err)
		}
		timer := time.NewTimer(p.BaseDelay * time.Duration(1<<i)) // Exponential backoff
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		err = call()
	}
	return err
}
