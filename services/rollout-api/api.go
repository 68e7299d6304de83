package rolloutapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"patchwave/services/rollout"
)

const (
	defaultRunTimeout    = 30 * time.Minute
	snapshotURLExpiry    = 15 * time.Minute
	defaultListRunsLimit = 20
)

// API exposes rollout runs over HTTP. Deployments execute asynchronously;
// the POST handler accepts the run and clients poll for its outcome.
type API struct {
	pipeline   *rollout.Pipeline
	logger     *log.Logger
	runTimeout time.Duration
}

// New wires the API over an initialised pipeline. The pipeline's history
// store is required here: without it an accepted run could never be queried.
func New(pipeline *rollout.Pipeline, logger *log.Logger) (*API, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if pipeline.History == nil {
		return nil, errors.New("pipeline history store is required")
	}
	return &API{
		pipeline:   pipeline,
		logger:     logger,
		runTimeout: defaultRunTimeout,
	}, nil
}

// Routes constructs the chi router containing all rollout endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/rollouts", a.handleCreateRollout)
		r.Get("/rollouts", a.handleListRollouts)
		r.Get("/rollouts/{id}", a.handleGetRollout)
	})

	return r, nil
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
