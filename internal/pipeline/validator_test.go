package pipeline

import (
	"strings"
	"testing"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

func snapWithDocs(docs map[string]string) *Snapshot {
	byName := make(map[string]storage.Document, len(docs))
	for name, content := range docs {
		byName[name] = storage.Document{Name: name, Content: content}
	}
	return &Snapshot{Docs: byName}
}

const validBrief = "# Brief\n\n## Goals\n- ship a todo app\n\n## Constraints\n- web only\n"

const validPRD = `# PRD

## Overview
A todo app.

## Requirements
- R1: create todos
- R2: complete todos

## Out of Scope
- mobile
`

const validDesign = `# Design

## Architecture
Single service satisfying R1 and R2.

## Components
- API server (R1)

## Data Model
- todo table
`

func TestValidateFreshSessionNamesMissingDoc(t *testing.T) {
	v := Validate(snapWithDocs(nil), StageIntake)
	if v.OK {
		t.Fatal("empty session should fail intake validation")
	}
	if len(v.Reasons) != 1 || !strings.Contains(v.Reasons[0], DocBrief) {
		t.Errorf("reasons = %v, want one naming %s", v.Reasons, DocBrief)
	}
}

func TestValidateReportsAllFailuresTogether(t *testing.T) {
	v := Validate(snapWithDocs(map[string]string{DocPRD: "just some text"}), StagePRD)
	if v.OK {
		t.Fatal("should fail")
	}
	// Three missing sections plus missing requirement ids.
	if len(v.Reasons) != 4 {
		t.Errorf("len(reasons) = %d, want 4: %v", len(v.Reasons), v.Reasons)
	}
}

func TestValidateBrief(t *testing.T) {
	v := Validate(snapWithDocs(map[string]string{DocBrief: validBrief}), StageIntake)
	if !v.OK {
		t.Errorf("valid brief rejected: %v", v.Reasons)
	}

	v = Validate(snapWithDocs(map[string]string{DocBrief: "## Goals\n- x"}), StageIntake)
	if v.OK || !strings.Contains(strings.Join(v.Reasons, " "), "## Constraints") {
		t.Errorf("missing Constraints not reported: %v", v.Reasons)
	}
}

func TestValidateDesignCoherence(t *testing.T) {
	docs := map[string]string{DocPRD: validPRD, DocDesign: validDesign}
	if v := Validate(snapWithDocs(docs), StageDesign); !v.OK {
		t.Errorf("valid design rejected: %v", v.Reasons)
	}

	// Design referencing only requirement ids the PRD never defined.
	docs[DocDesign] = strings.ReplaceAll(strings.ReplaceAll(validDesign, "R1", "R9"), "R2", "R8")
	v := Validate(snapWithDocs(docs), StageDesign)
	if v.OK {
		t.Fatal("design with unknown requirement ids should fail")
	}
	if !strings.Contains(strings.Join(v.Reasons, " "), "requirement identifiers") {
		t.Errorf("reasons = %v", v.Reasons)
	}
}

func TestValidatePlan(t *testing.T) {
	plan := "## Milestones\n- M1\n\n## Tasks\n- [ ] scaffold repo\n"
	if v := Validate(snapWithDocs(map[string]string{DocPlan: plan}), StagePlan); !v.OK {
		t.Errorf("valid plan rejected: %v", v.Reasons)
	}

	noTasks := "## Milestones\n- M1\n\n## Tasks\nnothing concrete\n"
	if v := Validate(snapWithDocs(map[string]string{DocPlan: noTasks}), StagePlan); v.OK {
		t.Error("plan without checkboxes should fail")
	}
}

func TestValidateExportBundle(t *testing.T) {
	var sb strings.Builder
	for _, sec := range exportSections {
		sb.WriteString("# " + sec.title + "\n\ncontent\n\n")
	}
	if v := Validate(snapWithDocs(map[string]string{DocWorkflow: sb.String()}), StageExport); !v.OK {
		t.Errorf("valid bundle rejected: %v", v.Reasons)
	}

	partial := "# Project Brief\n\ncontent\n"
	v := Validate(snapWithDocs(map[string]string{DocWorkflow: partial}), StageExport)
	if v.OK || len(v.Reasons) != 3 {
		t.Errorf("want 3 missing-section reasons, got %v", v.Reasons)
	}
}
