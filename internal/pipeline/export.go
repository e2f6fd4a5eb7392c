package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// exportDriver is the templated terminal stage: it bundles the four
// upstream documents into workflow.md deterministically, with no external
// call and no budget consumption.
type exportDriver struct{}

var exportSections = []struct {
	title string
	doc   string
}{
	{"Project Brief", DocBrief},
	{"Product Requirements", DocPRD},
	{"Technical Design", DocDesign},
	{"Implementation Plan", DocPlan},
}

func (d *exportDriver) Run(ctx context.Context, rc *RunContext) (Result, error) {
	if missing := rc.Snapshot.MissingInput(StageExport); missing != "" {
		return Result{Status: StatusNeedsMore, Reason: MissingInputReason(missing)}, nil
	}

	var sb strings.Builder
	sb.WriteString("# Workflow Bundle\n\n")
	fmt.Fprintf(&sb, "Session %s\n\n", rc.SessionID)
	for _, sec := range exportSections {
		fmt.Fprintf(&sb, "# %s\n\n", sec.title)
		sb.WriteString(strings.TrimRight(rc.Snapshot.DocContent(sec.doc), "\n"))
		sb.WriteString("\n\n")
	}

	if err := persistDoc(ctx, rc, DocWorkflow, sb.String()); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusReady}, nil
}
