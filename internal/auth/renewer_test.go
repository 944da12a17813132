package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRenewerTicks(t *testing.T) {
	var ticks atomic.Int64
	r := StartRenewer(10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("renewer ticked %d times, want at least 3", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRenewerSurvivesFailedTicks(t *testing.T) {
	// A failed renewal must not kill future ticks.
	var ticks atomic.Int64
	r := StartRenewer(10*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("token endpoint unreachable")
	})
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("renewer stopped after a failed tick (%d ticks)", ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRenewerStopIsPromptAndIdempotent(t *testing.T) {
	r := StartRenewer(time.Hour, func(ctx context.Context) error { return nil })

	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop() // second signal must not error or hang
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return promptly despite a one-hour interval")
	}
}

func TestRenewerStopCancelsTickContext(t *testing.T) {
	tickCtx := make(chan context.Context, 1)
	r := StartRenewer(10*time.Millisecond, func(ctx context.Context) error {
		select {
		case tickCtx <- ctx:
		default:
		}
		return nil
	})

	var ctx context.Context
	select {
	case ctx = <-tickCtx:
	case <-time.After(2 * time.Second):
		t.Fatalf("renewer never ticked")
	}

	r.Stop()
	if ctx.Err() == nil {
		t.Errorf("tick context not cancelled after Stop")
	}
}

func TestRenewerStopBoundedByStuckTick(t *testing.T) {
	// A tick blocked behind the provider lock (e.g. a foreground consent
	// flow in progress) must not hold Stop hostage.
	savedTimeout := renewerStopTimeout
	renewerStopTimeout = 50 * time.Millisecond
	defer func() { renewerStopTimeout = savedTimeout }()

	ticking := make(chan struct{})
	release := make(chan struct{})
	r := StartRenewer(10*time.Millisecond, func(ctx context.Context) error {
		close(ticking)
		<-release
		return nil
	})
	defer close(release)

	select {
	case <-ticking:
	case <-time.After(2 * time.Second):
		t.Fatalf("renewer never ticked")
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop blocked on a stuck tick beyond its timeout")
	}
}
