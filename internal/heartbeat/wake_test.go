package heartbeat

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescingFirstReasonWins(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	calls := atomic.Int32{}

	w := NewWake(func(reason string) (Result, error) {
		calls.Add(1)
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
		return Result{Status: StatusOkEmpty}, nil
	})
	defer w.Stop()

	w.RequestNow("a", -1)
	time.Sleep(20 * time.Millisecond)
	w.RequestNow("b", -1)
	w.RequestNow("c", -1)

	time.Sleep(500 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 handler invocation, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "a" {
		t.Fatalf("expected first reason to win, got %v", reasons)
	}
}

func TestRequestDuringRunReArms(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var reasons []string

	w := NewWake(func(reason string) (Result, error) {
		mu.Lock()
		reasons = append(reasons, reason)
		first := len(reasons) == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return Result{Status: StatusOkEmpty}, nil
	})
	defer w.Stop()

	w.RequestNow("first", 0)
	<-started

	// Arrives while the handler is running: must run afterwards.
	w.RequestNow("second", 0)
	close(release)

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(reasons)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second wake never ran; reasons=%v", reasons)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if reasons[0] != "first" || reasons[1] != "second" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestRequestsInFlightRetriesWithOriginalReason(t *testing.T) {
	var mu sync.Mutex
	var reasons []string

	w := NewWake(func(reason string) (Result, error) {
		mu.Lock()
		reasons = append(reasons, reason)
		n := len(reasons)
		mu.Unlock()
		if n == 1 {
			return Result{Status: StatusSkipped, Reason: ReasonRequestsInFlight}, nil
		}
		return Result{Status: StatusOkEmpty}, nil
	})
	defer w.Stop()

	start := time.Now()
	w.RequestNow("cron:j1", 0)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(reasons)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retry never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("retry came before the 1s backoff: %v", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if reasons[1] != "cron:j1" {
		t.Fatalf("retry lost the original reason: %v", reasons)
	}
}

func TestHandlerFailureRetriesWithRetryReason(t *testing.T) {
	var mu sync.Mutex
	var reasons []string

	w := NewWake(func(reason string) (Result, error) {
		mu.Lock()
		reasons = append(reasons, reason)
		n := len(reasons)
		mu.Unlock()
		if n == 1 {
			return Result{}, errors.New("transient")
		}
		return Result{Status: StatusOkEmpty}, nil
	})
	defer w.Stop()

	w.RequestNow("interval", 0)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(reasons)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failure retry never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if reasons[1] != "retry" {
		t.Fatalf("expected reason %q on failure retry, got %q", "retry", reasons[1])
	}
}

func TestHandlerPanicDoesNotKillCoalescer(t *testing.T) {
	calls := atomic.Int32{}
	w := NewWake(func(reason string) (Result, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return Result{Status: StatusOkEmpty}, nil
	})
	defer w.Stop()

	w.RequestNow("a", 0)

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("coalescer died after panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
