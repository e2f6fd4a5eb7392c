package pipeline

import (
	"strings"
	"testing"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

func TestApproveAdvancesOnValidDoc(t *testing.T) {
	store := newMemStore(StageIntake)
	store.docs[DocBrief] = storage.Document{Name: DocBrief, Content: validBrief}

	res, err := NewApprover(store).Approve("sess-1", StageIntake)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !res.OK {
		t.Fatalf("rejected: %v", res.Reasons)
	}

	sess, _ := store.GetSession("sess-1")
	if sess.CurrentStage != string(StagePRD) {
		t.Errorf("CurrentStage = %q, want prd", sess.CurrentStage)
	}
	doc, _ := store.ReadDoc("sess-1", DocBrief)
	if !doc.Approved {
		t.Error("brief should be approved")
	}
}

func TestApproveRejectsInvalidDocWithoutMutation(t *testing.T) {
	store := newMemStore(StageIntake)
	store.docs[DocBrief] = storage.Document{Name: DocBrief, Content: "no sections here"}

	res, err := NewApprover(store).Approve("sess-1", StageIntake)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.OK {
		t.Fatal("invalid brief must not be approved")
	}
	if len(res.Reasons) != 2 {
		t.Errorf("reasons = %v, want both missing sections", res.Reasons)
	}

	sess, _ := store.GetSession("sess-1")
	if sess.CurrentStage != string(StageIntake) {
		t.Error("session must not advance on rejection")
	}
	doc, _ := store.ReadDoc("sess-1", DocBrief)
	if doc.Approved {
		t.Error("document must not be approved on rejection")
	}
}

func TestApproveRejectsWrongStage(t *testing.T) {
	store := newMemStore(StageIntake)
	store.docs[DocBrief] = storage.Document{Name: DocBrief, Content: validBrief}
	store.docs[DocPRD] = storage.Document{Name: DocPRD, Content: validPRD}

	// Session is at intake; approving prd must be rejected without mutation.
	res, err := NewApprover(store).Approve("sess-1", StagePRD)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.OK {
		t.Fatal("wrong-stage approval must be rejected")
	}
	if !strings.Contains(strings.Join(res.Reasons, " "), "current stage") {
		t.Errorf("reasons = %v", res.Reasons)
	}

	sess, _ := store.GetSession("sess-1")
	if sess.CurrentStage != string(StageIntake) {
		t.Error("session stage mutated on wrong-stage approval")
	}
	doc, _ := store.ReadDoc("sess-1", DocPRD)
	if doc.Approved {
		t.Error("document mutated on wrong-stage approval")
	}
}

func TestApproveTerminalStageDoesNotAdvance(t *testing.T) {
	store := newMemStore(StageExport)
	var sb strings.Builder
	for _, sec := range exportSections {
		sb.WriteString("# " + sec.title + "\n\ncontent\n\n")
	}
	store.docs[DocWorkflow] = storage.Document{Name: DocWorkflow, Content: sb.String()}

	res, err := NewApprover(store).Approve("sess-1", StageExport)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !res.OK {
		t.Fatalf("rejected: %v", res.Reasons)
	}

	sess, _ := store.GetSession("sess-1")
	if sess.CurrentStage != string(StageExport) {
		t.Errorf("terminal stage must not advance, got %q", sess.CurrentStage)
	}
}
