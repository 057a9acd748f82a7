package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/trackd/policy"
)

func TestFlowGate_BlocksAtThreshold(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"history": 2})

	for range 2 {
		waited, err := gate.Acquire(t.Context(), "history")
		if err != nil || waited {
			t.Fatalf("Acquire = (%v, %v), want (false, nil)", waited, err)
		}
	}

	admitted := make(chan bool, 1)
	go func() {
		waited, err := gate.Acquire(t.Context(), "history")
		if err != nil {
			t.Errorf("blocked Acquire failed: %v", err)
		}
		admitted <- waited
	}()

	select {
	case <-admitted:
		t.Fatal("Acquire proceeded above threshold")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Release("history")
	select {
	case waited := <-admitted:
		if !waited {
			t.Error("blocked Acquire reported waited = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire not admitted after Release")
	}

	stats := gate.Stats()
	if stats.Outstanding["history"] != 2 {
		t.Errorf("Outstanding[history] = %d, want 2", stats.Outstanding["history"])
	}
	if stats.Waits != 1 {
		t.Errorf("Waits = %d, want 1", stats.Waits)
	}
}

func TestFlowGate_UnlimitedClass(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"history": 1, "zero": 0})

	for _, class := range []string{"stats", "stats", "zero", "zero"} {
		if waited, err := gate.Acquire(t.Context(), class); err != nil || waited {
			t.Errorf("Acquire(%s) = (%v, %v), want (false, nil)", class, waited, err)
		}
	}
	if got := gate.Stats().Outstanding["stats"]; got != 2 {
		t.Errorf("Outstanding[stats] = %d, want 2", got)
	}
}

func TestFlowGate_ContextCancelled(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"history": 1})
	_, _ = gate.Acquire(t.Context(), "history")

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := gate.Acquire(ctx, "history")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire error = %v, want deadline exceeded", err)
	}
	if got := gate.Stats().Outstanding["history"]; got != 1 {
		t.Errorf("Outstanding[history] = %d, want 1", got)
	}
}

func TestFlowGate_CloseAdmitsWaiters(t *testing.T) {
	gate := policy.NewFlowGate(map[string]int{"history": 1})
	_, _ = gate.Acquire(t.Context(), "history")

	done := make(chan error, 1)
	go func() {
		_, err := gate.Acquire(t.Context(), "history")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	gate.Close()
	gate.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Acquire after Close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not admit waiter")
	}

	if _, err := gate.Acquire(t.Context(), "history"); err != nil {
		t.Errorf("Acquire on closed gate = %v, want nil", err)
	}
}

func TestFlowGate_ReleaseEmptyClass(t *testing.T) {
	gate := policy.NewFlowGate(nil)
	gate.Release("history")
	if got := gate.Stats().Outstanding["history"]; got != 0 {
		t.Errorf("Outstanding[history] = %d, want 0", got)
	}
}
