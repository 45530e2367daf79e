// Package api exposes the thin HTTP surface over the transfer orchestrator.
// It maps requests to orchestrator operations; all protocol decisions live in
// services/orchestrator.
package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pulld/services/orchestrator"
)

const defaultListLimit = 100

// API wires the orchestrator behind HTTP handlers.
type API struct {
	orch   *orchestrator.Orchestrator
	logger *log.Logger
}

// New initialises the API layer.
func New(orch *orchestrator.Orchestrator, logger *log.Logger) (*API, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &API{orch: orch, logger: logger}, nil
}

// Routes constructs the chi router containing all API endpoints.
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
		r.Post("/transfers", a.handleTrigger)
		r.Get("/transfers", a.handleList)
		r.Get("/transfers/{id}", a.handleStatus)
		r.Get("/transfers/{id}/download", a.handleDownload)
	})

	return r, nil
}
