package pipeline

import (
	"errors"
	"testing"
)

func TestBudgetConsumeUpToLimit(t *testing.T) {
	b := NewBudget(3, 0)

	for i := 0; i < 3; i++ {
		if err := b.Consume("generation"); err != nil {
			t.Fatalf("Consume %d: %v", i, err)
		}
	}
	if err := b.Consume("generation"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	// Counter unchanged on rejection.
	if got := b.TotalCalls(); got != 3 {
		t.Errorf("TotalCalls = %d, want 3", got)
	}
}

func TestBudgetKindsShareQuota(t *testing.T) {
	b := NewBudget(2, 0)

	if err := b.Consume("generation"); err != nil {
		t.Fatal(err)
	}
	if err := b.Consume("validation"); err != nil {
		t.Fatal(err)
	}
	if err := b.Consume("generation"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("kinds must share one quota, got %v", err)
	}
}

func TestBudgetSeededFromPriorRun(t *testing.T) {
	b := NewBudget(3, 2)

	if got := b.TotalCalls(); got != 2 {
		t.Errorf("TotalCalls = %d, want 2", got)
	}
	if err := b.Consume("generation"); err != nil {
		t.Fatal(err)
	}
	if err := b.Consume("generation"); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}
