package pipeline

import (
	"fmt"
	"log/slog"
)

// ApproveResult is returned to the approval caller.
type ApproveResult struct {
	OK      bool
	Reasons []string
}

// Approver is the approval entry point: re-ingest, validate, and — only if
// every rule passes — flip the document's approved flag and advance the
// session, all as one unit. On failure nothing mutates.
type Approver struct {
	store    Store
	reingest *Reingester
	logger   *slog.Logger
}

func NewApprover(store Store) *Approver {
	return &Approver{store: store, reingest: NewReingester(store), logger: slog.Default()}
}

// Approve gates the session's current stage. Requests targeting any other
// stage are rejected without mutation.
func (a *Approver) Approve(sessionID string, stage Stage) (ApproveResult, error) {
	snap, err := a.reingest.Reingest(sessionID, PhasePreValidation)
	if err != nil {
		return ApproveResult{}, err
	}

	if snap.Session.CurrentStage != string(stage) {
		return ApproveResult{
			Reasons: []string{fmt.Sprintf("stage %q is not the session's current stage %q", stage, snap.Session.CurrentStage)},
		}, nil
	}

	// The snapshot read above and the approval write below are separate
	// statements. A stage run interleaving here can replace the still
	// unapproved document after validation; the operator sees the refreshed
	// content on the next read and approves again. Once approved, WriteDoc
	// refuses further writes.
	v := Validate(snap, stage)
	if !v.OK {
		return ApproveResult{Reasons: v.Reasons}, nil
	}

	next, _ := NextStage(stage)
	if err := a.store.ApproveAndAdvance(sessionID, DocName(stage), string(next)); err != nil {
		return ApproveResult{}, fmt.Errorf("approving %s: %w", DocName(stage), err)
	}

	a.logger.Info("stage approved", "session_id", sessionID, "stage", stage, "next", next)
	return ApproveResult{OK: true}, nil
}
