package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/config"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/llm"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

const testToken = "test-token-12345"

const testPRD = `# PRD

## Overview
A small tool.

## Requirements
- R1: it works

## Out of Scope
- everything else
`

// stubGen returns canned content and records calls.
type stubGen struct {
	mu      sync.Mutex
	output  string
	err     error
	calls   int
	blockCh chan struct{} // when set, GenerateStream waits here or for ctx
}

func (g *stubGen) GenerateStream(ctx context.Context, req llm.Request, onDelta func(string)) (string, error) {
	g.mu.Lock()
	g.calls++
	block := g.blockCh
	out, err := g.output, g.err
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		onDelta(out)
	}
	return out, nil
}

func (g *stubGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func setupHandler(t *testing.T) (http.Handler, *storage.Store, *stubGen, Deps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gen := &stubGen{output: testPRD}
	limits := config.LimitsConfig{
		StageCallBudget: 6,
		BurstLimit:      100,
		BurstWindow:     10 * time.Second,
		SustainedLimit:  1000,
		SustainedWindow: 10 * time.Minute,
	}
	deps := Deps{
		Store:    store,
		Machine:  pipeline.NewMachine(store, gen, limits.StageCallBudget, pipeline.GenParams{CallTimeout: 5 * time.Second}),
		Approver: pipeline.NewApprover(store),
		Guard:    pipeline.NewGuard(),
		Limits:   limits,
		Token:    testToken,
	}
	return NewHandler(deps), store, gen, deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions", "", testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SessionResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.ID == "" {
		t.Fatal("create session response missing id")
	}
	return resp.ID
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestSessions_RequireAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestCreateSession_StartsAtIntake(t *testing.T) {
	h, store, _, _ := setupHandler(t)

	id := createSession(t, h)

	sess, err := store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession(%q) failed: %v", id, err)
	}
	if sess.CurrentStage != "intake" {
		t.Errorf("current_stage = %q, want %q", sess.CurrentStage, "intake")
	}
}

func TestGetSession_ReportsStageStatus(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	if err := store.WriteDoc(id, "brief.md", "# Brief\n"); err != nil {
		t.Fatalf("WriteDoc: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/"+id, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp SessionResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Stages) != 5 {
		t.Fatalf("got %d stages, want 5", len(resp.Stages))
	}
	if resp.Stages[0].Stage != "intake" || !resp.Stages[0].Current {
		t.Errorf("stage[0] = %+v, want current intake", resp.Stages[0])
	}
	if len(resp.Documents) != 1 || resp.Documents[0].Name != "brief.md" {
		t.Errorf("documents = %+v, want brief.md only", resp.Documents)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/nonexistent", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPostMessage_DefaultsToCurrentStage(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	body := `{"content":"I want to build a todo app"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/messages", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	msgs, err := store.ListMessages(id, "intake")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", msgs)
	}
}

func TestPostMessage_RejectsEmptyContent(t *testing.T) {
	h, _, _, _ := setupHandler(t)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"content":""}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListMessages_StripsReadyMarker(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	raw := "I have everything I need. " + pipeline.ReadyMarker
	err := store.AppendMessage(storage.ChatMessage{
		ID: "m1", SessionID: id, Stage: "intake", Role: "assistant", Content: raw,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/"+id+"/messages", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var msgs []MessageResponse
	json.NewDecoder(rr.Body).Decode(&msgs)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if strings.Contains(msgs[0].Content, pipeline.ReadyMarker) {
		t.Errorf("marker leaked into transcript: %q", msgs[0].Content)
	}
	if msgs[0].Content != "I have everything I need." {
		t.Errorf("content = %q", msgs[0].Content)
	}

	// The stored row keeps the raw marker.
	stored, err := store.ListMessages(id, "intake")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if stored[0].Content != raw {
		t.Errorf("stored content = %q, want raw %q", stored[0].Content, raw)
	}
}

func TestApprove_WrongStageRejectedWithoutMutation(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/approve", `{"stage":"design"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp ApproveResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.OK {
		t.Fatal("approving a non-current stage succeeded")
	}
	if len(resp.Reasons) == 0 {
		t.Error("rejection carried no reasons")
	}

	sess, _ := store.GetSession(id)
	if sess.CurrentStage != "intake" {
		t.Errorf("current_stage mutated to %q", sess.CurrentStage)
	}
}

func TestApprove_ValidDocAdvances(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	brief := "# Brief\n\n## Goals\n- ship it\n\n## Constraints\n- web only\n"
	if err := store.WriteDoc(id, "brief.md", brief); err != nil {
		t.Fatalf("WriteDoc: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/approve", `{"stage":"intake"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp ApproveResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.OK {
		t.Fatalf("approval rejected: %v", resp.Reasons)
	}

	sess, _ := store.GetSession(id)
	if sess.CurrentStage != "prd" {
		t.Errorf("current_stage = %q, want prd", sess.CurrentStage)
	}
	doc, _ := store.ReadDoc(id, "brief.md")
	if !doc.Approved {
		t.Error("brief.md not marked approved")
	}
}

func TestGetDoc(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	if err := store.WriteDoc(id, "brief.md", "# Brief\n"); err != nil {
		t.Fatalf("WriteDoc: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/"+id+"/docs/brief.md", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var doc map[string]any
	json.NewDecoder(rr.Body).Decode(&doc)
	if doc["content"] != "# Brief\n" {
		t.Errorf("content = %q", doc["content"])
	}
}

func TestGetDoc_NotFound(t *testing.T) {
	h, _, _, _ := setupHandler(t)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/"+id+"/docs/prd.md", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestRegisterAssets_QueuesExtraction(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	body := `{"entries":[{"path":"notes/idea.md","size":120,"contentType":"text/markdown","checksum":"abc123"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/assets", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	assets, err := store.ListAssets(id)
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].Path != "notes/idea.md" {
		t.Fatalf("assets = %+v, want one entry for notes/idea.md", assets)
	}

	job, err := store.ClaimNextJob("asset_extract")
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no extraction job was queued")
	}
	if !strings.Contains(job.PayloadJSON, assets[0].ID) {
		t.Errorf("job payload %q missing asset id %q", job.PayloadJSON, assets[0].ID)
	}
}

func TestRegisterAssets_RejectsEmpty(t *testing.T) {
	h, _, _, _ := setupHandler(t)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/sessions/"+id+"/assets", `{"entries":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestListAssets(t *testing.T) {
	h, store, _, _ := setupHandler(t)
	id := createSession(t, h)

	for i := 0; i < 3; i++ {
		a := storage.Asset{
			ID:        fmt.Sprintf("a-%d", i),
			SessionID: id,
			Path:      fmt.Sprintf("f%d.txt", i),
		}
		if err := store.SaveAsset(a); err != nil {
			t.Fatalf("SaveAsset(%d): %v", i, err)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/sessions/"+id+"/assets", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var out []map[string]any
	json.NewDecoder(rr.Body).Decode(&out)
	if len(out) != 3 {
		t.Fatalf("got %d assets, want 3", len(out))
	}
}
