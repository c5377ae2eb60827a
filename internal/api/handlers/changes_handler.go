package handlers

import (
	"net/http"

	"github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/internal/api/types"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/services"
)

// ChangesHandler exposes the pending change ledger and the save path.
type ChangesHandler struct {
	ledger  services.LedgerService
	commits services.CommitService
	deploys services.DeployService
}

func NewChangesHandler(ledger services.LedgerService, commits services.CommitService, deploys services.DeployService) *ChangesHandler {
	return &ChangesHandler{ledger: ledger, commits: commits, deploys: deploys}
}

func (h *ChangesHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.List(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}

func (h *ChangesHandler) Stage(w http.ResponseWriter, r *http.Request) {
	var req types.StageChangeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	change, err := h.ledger.Stage(r.Context(), projectID(r), services.StageInput{
		Path:    req.Path,
		Action:  models.ChangeAction(req.Action),
		Content: []byte(req.Content),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, change)
}

func (h *ChangesHandler) Discard(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.Discard(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]int64{"discarded": n})
}

// Commit saves the ledger. With deploy set it also starts a deploy; a deploy
// that cannot start is reported next to the commit, which stays saved.
func (h *ChangesHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req types.CommitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	commit, err := h.commits.Commit(r.Context(), projectID(r), services.CommitInput{
		Message: req.Message,
		Author:  middleware.GetUserID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := types.CommitResponse{Commit: commit}
	if req.Deploy {
		attempt, err := h.deploys.Trigger(r.Context(), commit.ProjectID, commit.ID)
		if err != nil {
			resp.DeployError = types.FromAppError(err)
		} else {
			resp.Deploy = attempt
		}
	}
	writeData(w, r, http.StatusCreated, resp)
}
