package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation is the outcome of the pure per-stage gate. All failing rules
// are reported together, never just the first.
type Validation struct {
	OK      bool
	Reasons []string
}

var reqIDPattern = regexp.MustCompile(`\bR\d+\b`)
var taskPattern = regexp.MustCompile(`(?m)^\s*- \[ \]`)

// Validate applies the stage's presence and coherence rules to a fresh
// snapshot. It is consulted only by the approval entry point.
func Validate(snap *Snapshot, stage Stage) Validation {
	var reasons []string

	docName := DocName(stage)
	content := snap.DocContent(docName)
	if strings.TrimSpace(content) == "" {
		return Validation{Reasons: []string{fmt.Sprintf("%s: document is missing or empty", docName)}}
	}

	switch stage {
	case StageIntake:
		reasons = append(reasons, requireSections(docName, content, "## Goals", "## Constraints")...)

	case StagePRD:
		reasons = append(reasons, requireSections(docName, content, "## Overview", "## Requirements", "## Out of Scope")...)
		if !reqIDPattern.MatchString(content) {
			reasons = append(reasons, fmt.Sprintf("%s: no requirement identifiers (R1, R2, ...) found", docName))
		}

	case StageDesign:
		reasons = append(reasons, requireSections(docName, content, "## Architecture", "## Components", "## Data Model")...)
		reasons = append(reasons, requireSharedReqID(docName, content, snap.DocContent(DocPRD))...)

	case StagePlan:
		reasons = append(reasons, requireSections(docName, content, "## Milestones", "## Tasks")...)
		if !taskPattern.MatchString(content) {
			reasons = append(reasons, fmt.Sprintf("%s: no task checkboxes (\"- [ ]\") found", docName))
		}

	case StageExport:
		for _, sec := range exportSections {
			if !strings.Contains(content, "# "+sec.title) {
				reasons = append(reasons, fmt.Sprintf("%s: missing bundle section %q", docName, "# "+sec.title))
			}
		}
	}

	return Validation{OK: len(reasons) == 0, Reasons: reasons}
}

func requireSections(docName, content string, sections ...string) []string {
	var reasons []string
	for _, s := range sections {
		if !strings.Contains(content, s) {
			reasons = append(reasons, fmt.Sprintf("%s: missing required section %q", docName, s))
		}
	}
	return reasons
}

// requireSharedReqID checks the coherence rule that the design references
// at least one requirement identifier that actually exists in the PRD.
func requireSharedReqID(docName, content, prd string) []string {
	prdIDs := make(map[string]bool)
	for _, id := range reqIDPattern.FindAllString(prd, -1) {
		prdIDs[id] = true
	}
	if len(prdIDs) == 0 {
		return []string{fmt.Sprintf("%s: upstream %s defines no requirement identifiers to reference", docName, DocPRD)}
	}
	for _, id := range reqIDPattern.FindAllString(content, -1) {
		if prdIDs[id] {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s: references none of the requirement identifiers defined in %s", docName, DocPRD)}
}
