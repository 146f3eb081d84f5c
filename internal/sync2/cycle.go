// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 provides synchronization primitives for recurring jobs.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Run calls the function immediately and then on every tick. Trigger and
// Stop allow tests and admin surfaces to drive the loop without waiting
// for the interval to elapse.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}
	stop    chan struct{}
	quit    chan struct{}

	stopOnce sync.Once
}

type cycleTrigger struct {
	done chan struct{}
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		control:  make(chan interface{}),
		stop:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
}

// Run runs fn immediately and then every interval until the context is
// canceled or Stop is called. A non-nil error from fn terminates the loop.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer close(cycle.quit)

	cycle.ticker = time.NewTicker(cycle.interval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}

		case <-cycle.stop:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop stops the cycle permanently. It is safe to call before and after
// Run and multiple times.
func (cycle *Cycle) Stop() {
	cycle.stopOnce.Do(func() { close(cycle.stop) })
}

// TriggerWait runs the loop function once and waits for it to complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	select {
	case cycle.control <- cycleTrigger{done: done}:
	case <-cycle.quit:
		return
	case <-cycle.stop:
		return
	}
	select {
	case <-done:
	case <-cycle.quit:
	}
}
