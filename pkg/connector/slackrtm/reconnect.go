// Copyright 2024-2026 Aiku AI

package slackrtm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/desertbit/timer"
	"github.com/rs/zerolog"
)

// DefaultReconnectDelay is the wait between a dropped connection and the
// next connect attempt.
const DefaultReconnectDelay = time.Minute

// Reconnector schedules at most one delayed reconnect at a time.
type Reconnector struct {
	delay   time.Duration
	connect func(ctx context.Context) error
	onError func(err error)
	log     zerolog.Logger

	pending atomic.Bool
}

// NewReconnector returns a Reconnector that calls connect after delay.
// onError receives the connect error, if any; it may be nil.
func NewReconnector(delay time.Duration, connect func(ctx context.Context) error, onError func(err error), log zerolog.Logger) *Reconnector {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Reconnector{
		delay:   delay,
		connect: connect,
		onError: onError,
		log:     log,
	}
}

// Delay returns the configured reconnect delay.
func (r *Reconnector) Delay() time.Duration {
	return r.delay
}

// Pending reports whether a reconnect is waiting to fire.
func (r *Reconnector) Pending() bool {
	return r.pending.Load()
}

// Schedule arms a reconnect. It returns false if one is already pending.
// Cancelling ctx drops the pending reconnect.
func (r *Reconnector) Schedule(ctx context.Context) bool {
	if !r.pending.CompareAndSwap(false, true) {
		r.log.Debug().Msg("Reconnect already scheduled")
		return false
	}
	r.log.Info().Dur("delay", r.delay).Msg("Scheduling reconnect")

	t := timer.NewTimer(r.delay)
	go func() {
		defer t.Stop()
		select {
		case <-ctx.Done():
			r.pending.Store(false)
			return
		case <-t.C:
		}
		r.pending.Store(false)
		if err := r.connect(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Reconnect failed")
			if r.onError != nil {
				r.onError(err)
			}
		}
	}()
	return true
}
