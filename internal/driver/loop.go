package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = time.Millisecond * 100
)

// Stage is one step of the per-tick pipeline.
type Stage interface {
	Tick(context.Context) error
}

// Loop runs its stages once per interval, in order, on a single goroutine.
// A tick that outlasts the interval is logged and the next one starts at the
// following interval; missed ticks are not replayed.
type Loop struct {
	interval time.Duration
	stages   []Stage

	ticks    atomic.Uint64
	overruns atomic.Uint64
}

func NewLoop(stages []Stage, opts ...LoopOpt) *Loop {
	l := &Loop{
		interval: DefaultInterval,
		stages:   stages,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Loop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "sync loop started", "interval", l.interval, "stages", len(l.stages))
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "sync loop stopped", "ticks", l.Ticks(), "overruns", l.Overruns())
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs every stage once. The first failing stage ends the tick.
func (l *Loop) Tick(ctx context.Context) error {
	n := l.ticks.Add(1)
	start := time.Now()

	for i, s := range l.stages {
		if err := s.Tick(ctx); err != nil {
			return fmt.Errorf("tick %d, stage %d: %w", n, i, err)
		}
	}

	if took := time.Since(start); took > l.interval {
		l.overruns.Add(1)
		slog.WarnContext(ctx, "tick overran interval", "tick", n, "took", took, "interval", l.interval)
	}
	return nil
}

// Ticks is the number of ticks started so far.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Overruns is the number of ticks that took longer than the interval.
func (l *Loop) Overruns() uint64 {
	return l.overruns.Load()
}
