package pipeline

import (
	"context"
	"time"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
)

// Status is the terminal outcome of one stage run.
type Status string

const (
	StatusReady     Status = "ready"
	StatusNeedsMore Status = "needs_more"
)

// Machine-readable reason codes carried by stage.needs_more.
const (
	ReasonBudgetExceeded = "BUDGET_EXCEEDED"
	ReasonRuntimeError   = "RUNTIME_ERROR"
	ReasonTimeout        = "TIMEOUT"
	ReasonAwaitingInput  = "AWAITING_USER_INPUT"

	// missingInputPrefix prefixes the name of the absent upstream document.
	missingInputPrefix = "MISSING_INPUT:"
)

// MissingInputReason names the absent upstream document in a reason code.
func MissingInputReason(docName string) string {
	return missingInputPrefix + docName
}

// Generator is the external generation service surface drivers depend on.
// *llm.Client satisfies it. Every call streams; callers that only want the
// full text pass a nil onDelta.
type Generator interface {
	GenerateStream(ctx context.Context, req llm.Request, onDelta func(string)) (string, error)
}

// GenParams holds deployment-wide generation settings passed to writers.
type GenParams struct {
	Temperature     float64
	ChatTemperature float64
	CallTimeout     time.Duration
}

// RunContext wires one stage execution: the fresh snapshot, the run budget,
// the event sink, and the collaborators a writer needs.
type RunContext struct {
	SessionID string
	Stage     Stage
	Snapshot  *Snapshot
	Budget    *Budget
	Emit      EmitFunc
	Store     Store
	Gen       Generator
	Params    GenParams
}

// Result is a driver's outcome. Reason is set when Status is needs_more and
// the driver knows the cause; machine-level failures are classified by the
// state machine instead.
type Result struct {
	Status Status
	Reason string
	// EmittedTerminal is true when the driver already emitted the terminal
	// needs_more event itself (the interactive driver does, to attach its
	// reason after streaming a question).
	EmittedTerminal bool
}

// Driver executes one stage: re-reads its inputs from the snapshot, invokes
// the writer, and persists the artifact on success.
type Driver interface {
	Run(ctx context.Context, rc *RunContext) (Result, error)
}

// driverFor resolves the stage's driver. Every stage in StageOrder has one.
func driverFor(stage Stage) Driver {
	switch stage {
	case StageIntake:
		return &intakeDriver{}
	case StagePRD, StageDesign, StagePlan:
		return &docWriterDriver{}
	case StageExport:
		return &exportDriver{}
	default:
		return nil
	}
}
