// Package ingest runs the background extraction worker that fills the asset
// index with plain text, so stage writers can use uploaded reference
// material as generation context.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// JobTypeExtract is the queue type for asset text extraction.
const JobTypeExtract = "asset_extract"

// extractConcurrency bounds parallel extractions within one job.
const extractConcurrency = 4

// AssetStore abstracts the job queue and asset index operations.
type AssetStore interface {
	ClaimNextJob(jobType string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetAsset(id string) (storage.Asset, error)
	UpdateAssetText(id, text string) error
}

// Worker processes asset_extract jobs from the SQLite job queue.
type Worker struct {
	store  AssetStore
	roots  RootResolver
	poll   time.Duration
	logger *slog.Logger
}

// RootResolver maps a session id to the directory its asset files live in.
type RootResolver func(sessionID string) string

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store AssetStore, roots RootResolver, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		roots:  roots,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// ExtractPayload is the job payload: the session and the assets to extract.
type ExtractPayload struct {
	SessionID string   `json:"session_id"`
	AssetIDs  []string `json:"asset_ids"`
}

// RunOnce claims and processes a single asset_extract job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(JobTypeExtract)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ExtractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	root := w.roots(payload.SessionID)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(extractConcurrency)
	for _, assetID := range payload.AssetIDs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			asset, err := w.store.GetAsset(assetID)
			if err != nil {
				return fmt.Errorf("loading asset %s: %w", assetID, err)
			}

			text, err := ExtractText(root, asset)
			if err != nil {
				// Unsupported or unreadable files leave the index entry
				// without text; the job itself still succeeds.
				w.logger.Warn("asset extraction skipped", "asset_id", assetID, "path", asset.Path, "error", err)
				return nil
			}
			if text == "" {
				return nil
			}

			if err := w.store.UpdateAssetText(assetID, text); err != nil {
				return fmt.Errorf("recording text for asset %s: %w", assetID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
