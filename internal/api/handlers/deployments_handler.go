package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/api/types"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/services"
	appErr "github.com/sitesync/engine/pkg/errors"
)

type DeploymentsHandler struct {
	svc services.DeployService
}

func NewDeploymentsHandler(svc services.DeployService) *DeploymentsHandler {
	return &DeploymentsHandler{svc: svc}
}

func (h *DeploymentsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}

func (h *DeploymentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.DeployTriggerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	commitID := uuid.Nil
	if req.CommitID != "" {
		commitID = uuid.MustParse(req.CommitID)
	}
	attempt, err := h.svc.Trigger(r.Context(), projectID(r), commitID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, attempt)
}

// attempt loads {deployId} and checks it belongs to the authorized project.
func (h *DeploymentsHandler) attempt(r *http.Request) (*models.DeployAttempt, error) {
	id, err := uuidParam(r, "deployId")
	if err != nil {
		return nil, err
	}
	a, err := h.svc.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if a.ProjectID != projectID(r) {
		return nil, appErr.New(appErr.CodeNotFound, "deploy attempt not found")
	}
	return a, nil
}

func (h *DeploymentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.attempt(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

func (h *DeploymentsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	a, err := h.attempt(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := h.svc.Logs(r.Context(), a.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, logs)
}

func (h *DeploymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "deployId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.svc.Cancel(r.Context(), projectID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}
