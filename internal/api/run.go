package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
)

// Rate window bucket names, kept distinct so burst and sustained limits
// count independently.
const (
	bucketBurst     = "burst"
	bucketSustained = "sustained"
)

// handleRunStage executes one stage and streams its events back as SSE.
// Admission runs in a fixed order: both rate windows first, then the
// per-session lock. A rate rejection never consumes the lock, and the lock
// is released on every exit path, including client disconnect.
func handleRunStage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := loadSession(deps, w, r)
		if !ok {
			return
		}

		stage, err := pipeline.ParseStage(chi.URLParam(r, "stage"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		seedCalls := 0
		if raw := r.URL.Query().Get("seed_calls"); raw != "" {
			seedCalls, err = strconv.Atoi(raw)
			if err != nil || seedCalls < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "seed_calls must be a non-negative integer")
				return
			}
		}

		if ok, retryAfter := deps.Guard.Check(sess.ID, bucketBurst,
			deps.Limits.BurstLimit, deps.Limits.BurstWindow); !ok {
			rateLimited(w, retryAfter)
			return
		}
		if ok, retryAfter := deps.Guard.Check(sess.ID, bucketSustained,
			deps.Limits.SustainedLimit, deps.Limits.SustainedWindow); !ok {
			rateLimited(w, retryAfter)
			return
		}

		if !deps.Guard.TryAcquire(sess.ID) {
			httpError(w, http.StatusConflict, "run_in_progress",
				"a run is already active for this session; retry after it finishes")
			return
		}
		defer deps.Guard.Release(sess.ID)

		// Headers go out lazily so pre-stream failures can still return a
		// JSON error with a proper status code.
		stream := &sseStream{w: w}

		outcome, err := deps.Machine.Run(r.Context(), sess.ID, stage, seedCalls, stream.emit)
		switch {
		case errors.Is(err, pipeline.ErrAborted):
			// Client went away. Nothing to write.
			return
		case err != nil:
			if stream.started {
				slog.Error("stage run failed mid-stream",
					"session_id", sess.ID, "stage", stage, "error", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "stage run failed: %v", err)
			return
		}

		slog.Info("stage run finished",
			"session_id", sess.ID, "stage", stage,
			"status", outcome.Status, "reason", outcome.Reason, "calls", outcome.Calls)
	}
}

func rateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	httpError(w, http.StatusTooManyRequests, "rate_limit_error",
		"too many runs for this session; retry in %ds", secs)
}

// sseStream writes run events as SSE frames, sending headers on the first
// event and flushing after each frame so deltas reach the client promptly.
type sseStream struct {
	w       http.ResponseWriter
	started bool
	failed  bool
}

func (s *sseStream) emit(e pipeline.Event) {
	if s.failed {
		return
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := pipeline.WriteFrame(s.w, e); err != nil {
		s.failed = true
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
