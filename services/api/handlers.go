package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pulld/services/orchestrator"
)

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string         `json:"agent_id"`
		Name    string         `json:"name"`
		Meta    map[string]any `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}

	transfer, err := a.orch.Trigger(r.Context(), req.AgentID, req.Name, req.Meta)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidAgentID) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusBadGateway, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"transfer": transfer})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid transfer id is required"))
		return
	}

	transfer, err := a.orch.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("transfer %s not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transfer": transfer})
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid transfer id is required"))
		return
	}

	url, err := a.orch.ArtifactURL(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotFound):
			respondError(w, http.StatusNotFound, fmt.Errorf("transfer %s not found", id))
		case errors.Is(err, orchestrator.ErrNotAvailable):
			respondError(w, http.StatusConflict, errors.New("transfer is not verified yet"))
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))

	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	transfers, err := a.orch.List(r.Context(), agentID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}
