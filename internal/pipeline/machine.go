package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
)

// ErrAborted reports a client-initiated abort. The run terminates silently:
// no further events, no partial writes, not surfaced as an error to the UI.
var ErrAborted = errors.New("run aborted by caller")

// RunOutcome is what the state machine reports for one stage execution.
type RunOutcome struct {
	Status Status
	Reason string
	// Calls is the budget consumed, suitable for seeding a follow-up run.
	Calls int
}

// Machine sequences the fixed stage order: it executes exactly one stage
// per invocation, wiring a fresh budget and snapshot into the stage's
// driver and mapping every failure onto the needs_more taxonomy. Raw
// driver errors never propagate to the caller; only document-store
// failures and aborts do.
type Machine struct {
	store    Store
	gen      Generator
	reingest *Reingester
	limit    int
	params   GenParams
	logger   *slog.Logger
}

func NewMachine(store Store, gen Generator, budgetLimit int, params GenParams) *Machine {
	return &Machine{
		store:    store,
		gen:      gen,
		reingest: NewReingester(store),
		limit:    budgetLimit,
		params:   params,
		logger:   slog.Default(),
	}
}

// Run executes one stage for the session. seedCalls carries the call count
// of a prior partial run into the fresh budget. Events stream through emit
// in order; the terminal event is always last, and after an abort nothing
// further is emitted.
func (m *Machine) Run(ctx context.Context, sessionID string, stage Stage, seedCalls int, emit EmitFunc) (RunOutcome, error) {
	driver := driverFor(stage)
	if driver == nil {
		return RunOutcome{}, fmt.Errorf("no driver for stage %q", stage)
	}

	snap, err := m.reingest.Reingest(sessionID, PhaseStageStart)
	if err != nil {
		// Store unavailability is a hard failure, not a stage outcome.
		return RunOutcome{}, err
	}

	budget := NewBudget(m.limit, seedCalls)
	rc := &RunContext{
		SessionID: sessionID,
		Stage:     stage,
		Snapshot:  snap,
		Budget:    budget,
		Emit:      emit,
		Store:     m.store,
		Gen:       m.gen,
		Params:    m.params,
	}

	res, err := m.runDriver(ctx, driver, rc)
	if err != nil {
		outcome, hardErr := m.classify(ctx, sessionID, stage, err, budget)
		if hardErr != nil {
			return RunOutcome{}, hardErr
		}
		emit(NeedsMoreEvent(stage, outcome.Reason))
		return outcome, nil
	}

	if res.Status == StatusNeedsMore {
		if !res.EmittedTerminal {
			emit(NeedsMoreEvent(stage, res.Reason))
		}
		return RunOutcome{Status: StatusNeedsMore, Reason: res.Reason, Calls: budget.TotalCalls()}, nil
	}

	if _, err := m.reingest.Reingest(sessionID, PhasePreValidation); err != nil {
		return RunOutcome{}, err
	}
	emit(ReadyEvent(stage))
	return RunOutcome{Status: StatusReady, Calls: budget.TotalCalls()}, nil
}

// runDriver invokes the driver with panic isolation: an unhandled panic
// becomes an error classified as RUNTIME_ERROR like any other failure.
func (m *Machine) runDriver(ctx context.Context, driver Driver, rc *RunContext) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("stage driver panicked", "session_id", rc.SessionID, "stage", rc.Stage, "panic", r)
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return driver.Run(ctx, rc)
}

// classify maps a driver failure onto the taxonomy. The returned outcome is
// a needs_more with its reason code; hard failures (store errors, aborts)
// come back as errors instead.
func (m *Machine) classify(ctx context.Context, sessionID string, stage Stage, err error, budget *Budget) (RunOutcome, error) {
	var storeErr *StoreError

	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return RunOutcome{}, ErrAborted

	case errors.As(err, &storeErr):
		return RunOutcome{}, storeErr.Err

	case errors.Is(err, ErrBudgetExceeded):
		m.logger.Warn("stage run exhausted its call budget",
			"session_id", sessionID, "stage", stage, "calls", budget.TotalCalls())
		return RunOutcome{Status: StatusNeedsMore, Reason: ReasonBudgetExceeded, Calls: budget.TotalCalls()}, nil

	case errors.Is(err, llm.ErrTimeout):
		m.logger.Warn("generation call timed out", "session_id", sessionID, "stage", stage)
		return RunOutcome{Status: StatusNeedsMore, Reason: ReasonTimeout, Calls: budget.TotalCalls()}, nil

	default:
		m.logger.Error("stage run failed", "session_id", sessionID, "stage", stage, "error", err)
		return RunOutcome{Status: StatusNeedsMore, Reason: ReasonRuntimeError, Calls: budget.TotalCalls()}, nil
	}
}
