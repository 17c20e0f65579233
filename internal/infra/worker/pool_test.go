//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestPool_RunsAndDrainsOnStop(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(2, 16, &logger)
	p.Start(context.Background())

	var ran int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Stop()

	if got := atomic.LoadInt32(&ran); got != 10 {
		t.Errorf("expected 10 tasks to run, got %d", got)
	}
	if err := p.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestPool_RejectsWhenFull(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, 1, &logger) // not started: nothing consumes the queue
	noop := func(ctx context.Context) error { return nil }
	if err := p.Submit(noop); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestPool_SurvivesPanics(t *testing.T) {
	logger := zerolog.Nop()
	p := NewPool(1, 4, &logger)
	p.Start(context.Background())

	var ran int32
	_ = p.Submit(func(ctx context.Context) error { panic("boom") })
	_ = p.Submit(func(ctx context.Context) error { atomic.AddInt32(&ran, 1); return nil })
	p.Stop()

	if atomic.LoadInt32(&ran) != 1 {
		t.Error("expected the worker to keep running after a panic")
	}
}
