package pipeline

import (
	"fmt"
	"strings"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

const intakeChatSystem = `You are a project intake interviewer for a software build workflow.
Ask one focused question at a time to pin down the project's goals, target
users, constraints, and scope. Keep questions short. When you judge the
gathered information sufficient to write a project brief, end your reply
with the token ` + ReadyMarker + ` on its own line. Do not mention the token.`

const intakeCompileSystem = `You compile project briefs. From the interview transcript, write a concise
brief in Markdown. It must contain a "## Goals" section and a
"## Constraints" section. Use bullet lists. Do not invent requirements the
user never stated.`

const prdSystem = `You write product requirements documents. From the project brief, produce a
PRD in Markdown with exactly these sections: "## Overview",
"## Requirements", "## Out of Scope". Every requirement in
"## Requirements" is a bullet starting with an identifier like "R1:", "R2:"
in ascending order. Stay within the brief's stated goals and constraints.`

const designSystem = `You write technical design documents. From the PRD, produce a design in
Markdown with exactly these sections: "## Architecture", "## Components",
"## Data Model". Reference the PRD's requirement identifiers (R1, R2, ...)
wherever a design element satisfies one, so coverage is traceable.`

const planSystem = `You write implementation plans. From the design and PRD, produce a plan in
Markdown with exactly these sections: "## Milestones", "## Tasks". Tasks are
Markdown checkboxes ("- [ ] ..."), grouped under the milestone they belong
to, ordered so dependencies come first.`

// writerSystem returns the system prompt of a non-interactive writer stage.
func writerSystem(stage Stage) string {
	switch stage {
	case StagePRD:
		return prdSystem
	case StageDesign:
		return designSystem
	case StagePlan:
		return planSystem
	default:
		return ""
	}
}

// writerMessages builds the generation input of a non-interactive writer:
// the stage's system prompt plus a user message embedding the upstream
// documents and any extracted asset context.
func writerMessages(stage Stage, snap *Snapshot) []llm.Message {
	var sb strings.Builder
	for _, name := range RequiredInputs(stage) {
		fmt.Fprintf(&sb, "<< %s >>\n%s\n\n", name, snap.DocContent(name))
	}
	if assets := snap.AssetContext(); assets != "" {
		sb.WriteString("<< reference material >>\n")
		sb.WriteString(assets)
		sb.WriteString("\n")
	}
	sb.WriteString("Write the document now.")

	return []llm.Message{
		{Role: "system", Content: writerSystem(stage)},
		{Role: "user", Content: sb.String()},
	}
}

// chatMessages maps the intake transcript to generation input, prefixed by
// the interviewer system prompt. Orchestrator messages are omitted.
func chatMessages(transcript []storage.ChatMessage, snap *Snapshot) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: intakeChatSystem}}
	if assets := snap.AssetContext(); assets != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Reference material supplied by the user:\n" + assets,
		})
	}
	for _, m := range transcript {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// compileMessages builds the input for compiling the brief from the intake
// transcript.
func compileMessages(transcript []storage.ChatMessage) []llm.Message {
	var sb strings.Builder
	for _, m := range transcript {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, StripReadyMarker(m.Content))
	}
	return []llm.Message{
		{Role: "system", Content: intakeCompileSystem},
		{Role: "user", Content: "Interview transcript:\n\n" + sb.String() + "\nWrite the brief now."},
	}
}
