// Package pipeline implements the stage orchestration engine: the fixed
// stage sequence, the per-run generation budget, per-session single-flight
// and rate guards, the typed event stream, stage drivers and writers, and
// the validation/approval gate.
package pipeline

import "fmt"

// Stage is one named step in the fixed pipeline order.
type Stage string

const (
	StageIntake Stage = "intake"
	StagePRD    Stage = "prd"
	StageDesign Stage = "design"
	StagePlan   Stage = "plan"
	StageExport Stage = "export"
)

// StageOrder is the fixed forward-only sequence. Sessions start at the first
// entry; the last entry is terminal.
var StageOrder = []Stage{StageIntake, StagePRD, StageDesign, StagePlan, StageExport}

// Document names, one per stage.
const (
	DocBrief    = "brief.md"
	DocPRD      = "prd.md"
	DocDesign   = "design.md"
	DocPlan     = "plan.md"
	DocWorkflow = "workflow.md"
)

var stageDocs = map[Stage]string{
	StageIntake: DocBrief,
	StagePRD:    DocPRD,
	StageDesign: DocDesign,
	StagePlan:   DocPlan,
	StageExport: DocWorkflow,
}

// stageInputs lists the upstream documents each stage requires before its
// writer may run. Missing or empty inputs short-circuit without a
// generation call.
var stageInputs = map[Stage][]string{
	StageIntake: nil,
	StagePRD:    {DocBrief},
	StageDesign: {DocPRD},
	StagePlan:   {DocDesign, DocPRD},
	StageExport: {DocBrief, DocPRD, DocDesign, DocPlan},
}

// FirstStage returns the initial stage for a new session.
func FirstStage() Stage {
	return StageOrder[0]
}

// ParseStage validates a stage name from the wire.
func ParseStage(s string) (Stage, error) {
	for _, st := range StageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// DocName returns the document a stage produces.
func DocName(stage Stage) string {
	return stageDocs[stage]
}

// RequiredInputs returns the upstream documents a stage's writer reads.
func RequiredInputs(stage Stage) []string {
	return stageInputs[stage]
}

// NextStage returns the stage after the given one. ok is false at the
// terminal stage; no transitions are defined beyond it.
func NextStage(stage Stage) (next Stage, ok bool) {
	for i, st := range StageOrder {
		if st == stage && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}
