package pipeline

import (
	"regexp"
	"strings"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// ReadyMarker is the out-of-band token the intake assistant appends on its
// own line once it judges information gathering complete. Transcript rows
// keep it raw so the next turn's classifier sees it; StripReadyMarker runs
// at every display boundary so it never reaches a human.
const ReadyMarker = "<!--brief-ready-->"

// compilePhrases matches explicit user requests to produce the draft now.
// Tunable heuristic; false negatives cost the user one more chat turn,
// false positives compile an underspecified brief that validation catches.
var compilePhrases = regexp.MustCompile(`(?i)\b(draft (it|the brief)|write the brief|compile (it|the brief)|generate the brief|make the brief|ready to draft|go ahead and (draft|write)|looks good[,.]? (go|proceed|draft))\b`)

// HasReadyMarker reports whether assistant output carries the marker.
func HasReadyMarker(text string) bool {
	return strings.Contains(text, ReadyMarker)
}

// StripReadyMarker removes the marker and any line it occupied alone.
func StripReadyMarker(text string) string {
	if !strings.Contains(text, ReadyMarker) {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == ReadyMarker {
			continue
		}
		kept = append(kept, strings.ReplaceAll(line, ReadyMarker, ""))
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n ")
}

// deltaStripper removes ReadyMarker from a token stream where the marker can
// arrive split across chunk boundaries. A tail that could still grow into
// the marker is withheld until later chunks resolve it; Flush releases a
// withheld tail that turned out to be ordinary text.
type deltaStripper struct {
	emit    func(string)
	pending string
}

func newDeltaStripper(emit func(string)) *deltaStripper {
	return &deltaStripper{emit: emit}
}

func (s *deltaStripper) Write(delta string) {
	s.pending += delta
	for {
		i := strings.Index(s.pending, ReadyMarker)
		if i < 0 {
			break
		}
		s.release(s.pending[:i])
		s.pending = s.pending[i+len(ReadyMarker):]
	}
	hold := markerPrefixLen(s.pending)
	s.release(s.pending[:len(s.pending)-hold])
	s.pending = s.pending[len(s.pending)-hold:]
}

// Flush must be called once the stream ends so a trailing false prefix is
// not swallowed.
func (s *deltaStripper) Flush() {
	s.release(s.pending)
	s.pending = ""
}

func (s *deltaStripper) release(text string) {
	if text != "" {
		s.emit(text)
	}
}

// markerPrefixLen returns the length of the longest suffix of text that is a
// proper prefix of ReadyMarker.
func markerPrefixLen(text string) int {
	n := min(len(text), len(ReadyMarker)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(text, ReadyMarker[:n]) {
			return n
		}
	}
	return 0
}

// UserRequestsCompile reports whether a user utterance asks for the draft.
func UserRequestsCompile(text string) bool {
	return compilePhrases.MatchString(text)
}

// ReadyToCompile classifies the transcript tail: either the assistant's
// readiness marker or an explicit user compile request is sufficient. Pure;
// decoupled from the streaming machinery so it can be tuned independently.
func ReadyToCompile(tail []storage.ChatMessage, stage Stage) bool {
	if stage != StageIntake {
		return false
	}
	for i := len(tail) - 1; i >= 0; i-- {
		switch tail[i].Role {
		case "assistant":
			if HasReadyMarker(tail[i].Content) {
				return true
			}
		case "user":
			if UserRequestsCompile(tail[i].Content) {
				return true
			}
		}
	}
	return false
}
