// Package verify bridges an out-of-band one-time code into the bounded
// lifetime of one attempt.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

var (
	ErrTimeout   = errors.New("verify: no code before deadline")
	ErrCancelled = errors.New("verify: wait cancelled")
)

type Request struct {
	Query
	Deadline time.Time
	// Cancelled is checked before every poll.
	Cancelled func() bool
}

type Waiter struct {
	source   CodeSource
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

func NewWaiter(src CodeSource, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Waiter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{source: src, interval: interval, clock: clk, logger: logger.Named("verify")}
}

// AwaitCode polls the source until a code req admits shows up, the
// deadline passes (ErrTimeout), or the job or ctx is cancelled
// (ErrCancelled). Source errors are logged and polling continues.
func (w *Waiter) AwaitCode(ctx context.Context, req Request) (Code, error) {
	log := w.logger.With(zap.String("job_id", req.JobID))
	for polls := 1; ; polls++ {
		if req.Cancelled != nil && req.Cancelled() {
			return Code{}, ErrCancelled
		}
		if ctx.Err() != nil {
			return Code{}, ErrCancelled
		}

		code, ok, err := w.source.LatestCode(ctx, req.Query)
		switch {
		case err != nil:
			log.Warn("code source unavailable, retrying", zap.Int("poll", polls), zap.Error(err))
		case ok && req.Admits(code):
			log.Info("verification code received", zap.String("source", code.Source), zap.Int("poll", polls))
			return code, nil
		}

		now := w.clock.Now()
		if !now.Before(req.Deadline) {
			return Code{}, ErrTimeout
		}
		wait := w.interval
		if left := req.Deadline.Sub(now); left < wait {
			wait = left
		}
		select {
		case <-ctx.Done():
			return Code{}, ErrCancelled
		case <-w.clock.After(wait):
		}
	}
}
