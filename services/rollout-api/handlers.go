package rolloutapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"patchwave/services/rollout"
)

func (a *API) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceRunID string          `json:"reference_run_id"`
		Subscriptions  []string        `json:"subscriptions"`
		Stages         json.RawMessage `json:"stages"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.ReferenceRunID = strings.TrimSpace(req.ReferenceRunID)
	if req.ReferenceRunID == "" {
		respondError(w, http.StatusBadRequest, errors.New("reference_run_id is required"))
		return
	}

	descriptors, err := rollout.ParseStageDescriptors(req.Stages)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("stages: %w", err))
		return
	}

	runID := uuid.New()
	opts := rollout.RunOptions{
		RunID:          runID,
		ReferenceRunID: req.ReferenceRunID,
		Subscriptions:  req.Subscriptions,
		Stages:         descriptors,
	}

	// The run outlives the request; detach it from the request context.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.runTimeout)
		defer cancel()
		if _, err := a.pipeline.Run(ctx, opts); err != nil {
			a.logf("ERROR rollout run %s: %v", runID, err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": rollout.RunStatusRunning,
	})
}

func (a *API) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	limit := defaultListRunsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	runs, err := a.pipeline.History.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse run id: %w", err))
		return
	}

	run, err := a.pipeline.History.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	stages, err := a.pipeline.History.ListStageResults(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	payload := map[string]any{
		"run":    run,
		"stages": stages,
	}
	if run.SnapshotKey != "" && a.pipeline.Archive != nil {
		url, err := a.pipeline.Archive.PresignSnapshot(r.Context(), run.SnapshotKey, snapshotURLExpiry)
		if err != nil {
			a.logf("WARN presign snapshot %s: %v", run.SnapshotKey, err)
		} else {
			payload["snapshot_url"] = url
		}
	}

	respondJSON(w, http.StatusOK, payload)
}

func (a *API) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
