// Package api exposes the pipeline over HTTP: session management, chat
// transcript access, the SSE stage-run stream, the approval entry point,
// and the asset index.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/config"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/ingest"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps wires the handler to the engine and its collaborators.
type Deps struct {
	Store    *storage.Store
	Machine  *pipeline.Machine
	Approver *pipeline.Approver
	Guard    *pipeline.Guard
	Limits   config.LimitsConfig
	Token    string
}

// NewHandler builds the HTTP surface. Everything except /health sits behind
// bearer auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/sessions", handleCreateSession(deps))
		r.Get("/v1/sessions/{id}", handleGetSession(deps))
		r.Post("/v1/sessions/{id}/messages", handlePostMessage(deps))
		r.Get("/v1/sessions/{id}/messages", handleListMessages(deps))
		r.Post("/v1/sessions/{id}/stages/{stage}/run", handleRunStage(deps))
		r.Post("/v1/sessions/{id}/approve", handleApprove(deps))
		r.Get("/v1/sessions/{id}/docs", handleListDocs(deps))
		r.Get("/v1/sessions/{id}/docs/{name}", handleGetDoc(deps))
		r.Get("/v1/sessions/{id}/assets", handleListAssets(deps))
		r.Post("/v1/sessions/{id}/assets", handleRegisterAssets(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// SessionResponse is the session status payload.
type SessionResponse struct {
	ID           string        `json:"id"`
	CurrentStage string        `json:"current_stage"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Documents    []DocSummary  `json:"documents"`
	Stages       []StageStatus `json:"stages"`
}

type DocSummary struct {
	Name      string    `json:"name"`
	Size      int       `json:"size"`
	Approved  bool      `json:"approved"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StageStatus struct {
	Stage    string `json:"stage"`
	Doc      string `json:"doc"`
	Approved bool   `json:"approved"`
	Current  bool   `json:"current"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Store.CreateSession(uuid.NewString(), string(pipeline.FirstStage()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating session: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse(deps, sess))
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(deps, sess))
	}
}

func sessionResponse(deps Deps, sess storage.Session) SessionResponse {
	resp := SessionResponse{
		ID:           sess.ID,
		CurrentStage: sess.CurrentStage,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}

	docs, err := deps.Store.ListDocs(sess.ID)
	if err != nil {
		return resp
	}
	byName := make(map[string]storage.Document, len(docs))
	for _, d := range docs {
		byName[d.Name] = d
		resp.Documents = append(resp.Documents, DocSummary{
			Name:      d.Name,
			Size:      len(d.Content),
			Approved:  d.Approved,
			UpdatedAt: d.UpdatedAt,
		})
	}
	for _, st := range pipeline.StageOrder {
		doc := pipeline.DocName(st)
		resp.Stages = append(resp.Stages, StageStatus{
			Stage:    string(st),
			Doc:      doc,
			Approved: byName[doc].Approved,
			Current:  sess.CurrentStage == string(st),
		})
	}
	return resp
}

// PostMessageRequest appends a user chat message to the transcript.
type PostMessageRequest struct {
	Content string `json:"content"`
	Stage   string `json:"stage,omitempty"`
}

func handlePostMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PostMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		stage := req.Stage
		if stage == "" {
			stage = sess.CurrentStage
		} else if _, err := pipeline.ParseStage(stage); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		msg := storage.ChatMessage{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Stage:     stage,
			Role:      "user",
			Content:   req.Content,
		}
		if err := deps.Store.AppendMessage(msg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "appending message: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": msg.ID})
	}
}

// MessageResponse is one transcript entry with the readiness marker
// stripped; the raw marker never reaches a human.
type MessageResponse struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		msgs, err := deps.Store.ListMessages(sess.ID, r.URL.Query().Get("stage"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing messages: %v", err)
			return
		}

		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, MessageResponse{
				ID:        m.ID,
				Stage:     m.Stage,
				Role:      m.Role,
				Content:   pipeline.StripReadyMarker(m.Content),
				CreatedAt: m.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// ApproveRequest targets the session's current stage.
type ApproveRequest struct {
	Stage string `json:"stage"`
}

// ApproveResponse mirrors the validator verdict.
type ApproveResponse struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

func handleApprove(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		stage, err := pipeline.ParseStage(req.Stage)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Approver.Approve(sess.ID, stage)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "approval failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ApproveResponse{OK: res.OK, Reasons: res.Reasons})
	}
}

func handleListDocs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(deps, sess).Documents)
	}
}

func handleGetDoc(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		doc, err := deps.Store.ReadDoc(sess.ID, chi.URLParam(r, "name"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"name":       doc.Name,
			"content":    doc.Content,
			"approved":   doc.Approved,
			"updated_at": doc.UpdatedAt,
		})
	}
}

// AssetEntry is one externally produced index entry.
type AssetEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	Checksum    string `json:"checksum"`
}

// RegisterAssetsRequest records index entries and queues text extraction.
type RegisterAssetsRequest struct {
	Entries []AssetEntry `json:"entries"`
}

func handleRegisterAssets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RegisterAssetsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Entries) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "entries is required")
			return
		}

		ids := make([]string, 0, len(req.Entries))
		for _, e := range req.Entries {
			if e.Path == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "entry path is required")
				return
			}
			a := storage.Asset{
				ID:          uuid.NewString(),
				SessionID:   sess.ID,
				Path:        e.Path,
				Size:        e.Size,
				ContentType: e.ContentType,
				Checksum:    e.Checksum,
			}
			if err := deps.Store.SaveAsset(a); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "saving asset: %v", err)
				return
			}
			ids = append(ids, a.ID)
		}

		payload, _ := json.Marshal(ingest.ExtractPayload{SessionID: sess.ID, AssetIDs: ids})
		job := storage.Job{ID: uuid.NewString(), Type: ingest.JobTypeExtract, PayloadJSON: string(payload)}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing extraction: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"asset_ids": ids})
	}
}

func handleListAssets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		assets, err := deps.Store.ListAssets(sess.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing assets: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(assets))
		for _, a := range assets {
			out = append(out, map[string]any{
				"id":          a.ID,
				"path":        a.Path,
				"size":        a.Size,
				"contentType": a.ContentType,
				"checksum":    a.Checksum,
				"extracted":   a.ExtractedText != "",
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// loadSession resolves the {id} route param, writing 404 on miss.
func loadSession(deps Deps, w http.ResponseWriter, r *http.Request) (storage.Session, bool) {
	sess, err := deps.Store.GetSession(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "session not found")
		return storage.Session{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "loading session: %v", err)
		return storage.Session{}, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
