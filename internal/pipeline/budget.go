package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded reports that a run attempted more external calls than
// its quota allows. The counter is left unchanged on rejection.
var ErrBudgetExceeded = errors.New("generation call budget exceeded")

// Budget caps the number of external calls one stage run may make. Counts
// are combined across call kinds; there is no per-kind quota. A Budget is
// created per run and discarded at completion.
type Budget struct {
	mu    sync.Mutex
	calls int
	limit int
}

// NewBudget creates a Budget with the given limit, seeded with calls already
// consumed by a prior partial run.
func NewBudget(limit, seed int) *Budget {
	if seed < 0 {
		seed = 0
	}
	return &Budget{limit: limit, calls: seed}
}

// Consume records one call of the given kind, or fails with
// ErrBudgetExceeded once the combined limit is reached.
func (b *Budget) Consume(kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls >= b.limit {
		return fmt.Errorf("%w: %d/%d calls used (attempted %s)", ErrBudgetExceeded, b.calls, b.limit, kind)
	}
	b.calls++
	return nil
}

// TotalCalls reports the calls consumed so far, including any seed.
func (b *Budget) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
