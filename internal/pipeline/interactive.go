package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// intakeDriver runs the interactive information-gathering stage. Each
// invocation either asks the next interview question (needs_more,
// AWAITING_USER_INPUT) or, once the readiness classifier fires, compiles
// the brief (ready). Two independent signals trigger compilation: the
// assistant's readiness marker or an explicit user compile request.
type intakeDriver struct{}

func (d *intakeDriver) Run(ctx context.Context, rc *RunContext) (Result, error) {
	transcript := rc.Snapshot.StageMessages(StageIntake)

	if ReadyToCompile(transcript, StageIntake) {
		return d.compile(ctx, rc, transcript)
	}
	return d.ask(ctx, rc, transcript)
}

// ask streams the next interview question, persists it to the transcript,
// and terminates the run awaiting user input.
func (d *intakeDriver) ask(ctx context.Context, rc *RunContext, transcript []storage.ChatMessage) (Result, error) {
	if err := rc.Budget.Consume("generation"); err != nil {
		return Result{}, err
	}

	// The marker rides the tail of the reply and token chunks can split it
	// anywhere, so stripping has to carry state across chunks.
	strip := newDeltaStripper(func(clean string) {
		rc.Emit(DeltaEvent(clean))
	})
	reply, err := rc.Gen.GenerateStream(ctx, llm.Request{
		Messages:    chatMessages(transcript, rc.Snapshot),
		Temperature: rc.Params.ChatTemperature,
		Timeout:     rc.Params.CallTimeout,
	}, strip.Write)
	if err != nil {
		return Result{}, err
	}
	strip.Flush()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	// Persist raw so the classifier can see the marker on the next turn;
	// display surfaces strip it.
	if err := rc.Store.AppendMessage(storage.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: rc.SessionID,
		Stage:     string(StageIntake),
		Role:      "assistant",
		Content:   reply,
	}); err != nil {
		return Result{}, &StoreError{Err: fmt.Errorf("appending assistant message: %w", err)}
	}

	// A reply that already carries the marker means the assistant judged
	// gathering complete; compile immediately rather than waiting a turn.
	if HasReadyMarker(reply) {
		snap := rc.Snapshot
		snap.Messages = append(snap.Messages, storage.ChatMessage{
			SessionID: rc.SessionID,
			Stage:     string(StageIntake),
			Role:      "assistant",
			Content:   reply,
		})
		return d.compile(ctx, rc, snap.StageMessages(StageIntake))
	}

	rc.Emit(NeedsMoreEvent(StageIntake, ReasonAwaitingInput))
	return Result{Status: StatusNeedsMore, Reason: ReasonAwaitingInput, EmittedTerminal: true}, nil
}

// compile produces brief.md from the transcript.
func (d *intakeDriver) compile(ctx context.Context, rc *RunContext, transcript []storage.ChatMessage) (Result, error) {
	if err := rc.Budget.Consume("generation"); err != nil {
		return Result{}, err
	}

	strip := newDeltaStripper(func(clean string) {
		rc.Emit(DeltaEvent(clean))
	})
	content, err := rc.Gen.GenerateStream(ctx, llm.Request{
		Messages:    compileMessages(transcript),
		Temperature: rc.Params.Temperature,
		Timeout:     rc.Params.CallTimeout,
	}, strip.Write)
	if err != nil {
		return Result{}, err
	}
	strip.Flush()

	if err := persistDoc(ctx, rc, DocBrief, content); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusReady}, nil
}
