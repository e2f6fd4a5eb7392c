package pipeline

import (
	"context"
	"fmt"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
)

// docWriterDriver handles the non-interactive LLM writer stages (prd,
// design, plan): one generation call produces the stage's document from its
// upstream inputs.
type docWriterDriver struct{}

func (d *docWriterDriver) Run(ctx context.Context, rc *RunContext) (Result, error) {
	// Missing upstream input short-circuits before any budget is consumed.
	if missing := rc.Snapshot.MissingInput(rc.Stage); missing != "" {
		return Result{Status: StatusNeedsMore, Reason: MissingInputReason(missing)}, nil
	}

	if err := rc.Budget.Consume("generation"); err != nil {
		return Result{}, err
	}

	content, err := rc.Gen.GenerateStream(ctx, llm.Request{
		Messages:    writerMessages(rc.Stage, rc.Snapshot),
		Temperature: rc.Params.Temperature,
		Timeout:     rc.Params.CallTimeout,
	}, func(delta string) {
		rc.Emit(DeltaEvent(delta))
	})
	if err != nil {
		return Result{}, err
	}

	if err := persistDoc(ctx, rc, DocName(rc.Stage), content); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusReady}, nil
}

// persistDoc writes the document all-or-nothing and emits doc.updated with
// the resulting byte size. An abort observed before the write wins: nothing
// is persisted and no event is emitted.
func persistDoc(ctx context.Context, rc *RunContext, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rc.Store.WriteDoc(rc.SessionID, name, content); err != nil {
		return &StoreError{Err: fmt.Errorf("writing %s: %w", name, err)}
	}
	rc.Emit(DocUpdatedEvent(name, len(content)))
	return nil
}

// StoreError marks a document-store failure, which is not locally
// recoverable and must propagate to the caller as a hard failure.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }
