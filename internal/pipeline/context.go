package pipeline

import (
	"fmt"
	"strings"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// Store is the document/session persistence surface the engine depends on.
// *storage.Store satisfies it. Store failures are not locally recoverable
// and propagate to the caller as hard errors.
type Store interface {
	GetSession(id string) (storage.Session, error)
	ReadDoc(sessionID, name string) (storage.Document, error)
	WriteDoc(sessionID, name, content string) error
	ListDocs(sessionID string) ([]storage.Document, error)
	ApproveAndAdvance(sessionID, docName, nextStage string) error
	AppendMessage(m storage.ChatMessage) error
	ListMessages(sessionID, stage string) ([]storage.ChatMessage, error)
	ListAssets(sessionID string) ([]storage.Asset, error)
}

// Phase marks where in a run a re-ingestion happens.
type Phase string

const (
	PhaseStageStart    Phase = "stage_start"
	PhasePreValidation Phase = "pre_validation"
)

// Snapshot is the refreshed in-memory view of a session's persisted state,
// taken immediately before it is used as generation or validation input.
type Snapshot struct {
	Session  storage.Session
	Docs     map[string]storage.Document
	Messages []storage.ChatMessage
	Assets   []storage.Asset
}

// Reingester builds Snapshots from the store.
type Reingester struct {
	store Store
}

func NewReingester(store Store) *Reingester {
	return &Reingester{store: store}
}

// Reingest reloads the session, its documents, transcript, and asset index.
// The phase is informational; both phases take a full snapshot.
func (r *Reingester) Reingest(sessionID string, _ Phase) (*Snapshot, error) {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	docs, err := r.store.ListDocs(sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	byName := make(map[string]storage.Document, len(docs))
	for _, d := range docs {
		byName[d.Name] = d
	}

	msgs, err := r.store.ListMessages(sessionID, "")
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	assets, err := r.store.ListAssets(sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}

	return &Snapshot{Session: sess, Docs: byName, Messages: msgs, Assets: assets}, nil
}

// DocContent returns a document's content, or "" if absent.
func (s *Snapshot) DocContent(name string) string {
	return s.Docs[name].Content
}

// MissingInput returns the first required upstream document of the stage
// that is absent or empty, or "" if all are present.
func (s *Snapshot) MissingInput(stage Stage) string {
	for _, name := range RequiredInputs(stage) {
		if strings.TrimSpace(s.DocContent(name)) == "" {
			return name
		}
	}
	return ""
}

// StageMessages filters the transcript to one stage's messages.
func (s *Snapshot) StageMessages(stage Stage) []storage.ChatMessage {
	var out []storage.ChatMessage
	for _, m := range s.Messages {
		if m.Stage == string(stage) {
			out = append(out, m)
		}
	}
	return out
}

const maxAssetContextBytes = 16 * 1024

// AssetContext joins the extracted text of indexed assets into one block
// for generation input, truncated to a fixed byte budget.
func (s *Snapshot) AssetContext() string {
	var sb strings.Builder
	for _, a := range s.Assets {
		if strings.TrimSpace(a.ExtractedText) == "" {
			continue
		}
		if sb.Len() >= maxAssetContextBytes {
			break
		}
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", a.Path, a.ExtractedText)
	}
	text := sb.String()
	if len(text) > maxAssetContextBytes {
		text = text[:maxAssetContextBytes]
	}
	return text
}
