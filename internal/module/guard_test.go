package module

import (
	"testing"
	"time"
)

func TestDispatchGuard_SerializesAcrossCallers(t *testing.T) {
	g := newDispatchGuard(1)
	g.Acquire(1)

	acquired := make(chan struct{})
	go func() {
		g.Acquire(2)
		close(acquired)
		g.Release(2)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked while id 1 holds the guard")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(1)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestDispatchGuard_DoubleAcquirePanics(t *testing.T) {
	g := newDispatchGuard(2)
	g.Acquire(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double-acquire by same id")
		}
	}()
	g.Acquire(1)
}

func TestDispatchGuard_ReleaseByNonOwnerPanics(t *testing.T) {
	g := newDispatchGuard(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic releasing a slot never acquired")
		}
	}()
	g.Release(99)
}
