package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGuardAdmitsOne(t *testing.T) {
	t.Parallel()
	var g Guard
	if g.Busy() {
		t.Fatal("fresh guard busy")
	}
	if !g.TryAcquire() {
		t.Fatal("first acquire failed")
	}
	if g.TryAcquire() {
		t.Fatal("second acquire succeeded")
	}
	if !g.Busy() {
		t.Fatal("held guard not busy")
	}
	g.Release()
	if g.Busy() {
		t.Fatal("released guard still busy")
	}
}

func TestGuardWaitIdle(t *testing.T) {
	t.Parallel()
	var g Guard
	g.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := g.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle while held = %v", err)
	}

	time.AfterFunc(60*time.Millisecond, g.Release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := g.WaitIdle(ctx2); err != nil {
		t.Fatalf("WaitIdle = %v", err)
	}
	if g.Busy() {
		t.Fatal("guard left held by WaitIdle")
	}
}
