package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/internal/api/types"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/services"
)

type projectKeyType struct{}

type ProjectsHandler struct {
	svc services.ProjectService
}

func NewProjectsHandler(svc services.ProjectService) *ProjectsHandler {
	return &ProjectsHandler{svc: svc}
}

// Authorize loads the {id} project for the calling user and rejects the
// request when it is missing or owned by someone else.
func (h *ProjectsHandler) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuidParam(r, "id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		p, err := h.svc.GetProject(r.Context(), id, middleware.GetUserID(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKeyType{}, p)))
	})
}

// projectFrom returns the project stored by Authorize.
func projectFrom(r *http.Request) *models.Project {
	p, _ := r.Context().Value(projectKeyType{}).(*models.Project)
	return p
}

func projectID(r *http.Request) uuid.UUID {
	if p := projectFrom(r); p != nil {
		return p.ID
	}
	return uuid.Nil
}

func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListProjects(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items[start:end],
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context()), Page: page, PageSize: size, Total: int64(len(items))},
	})
}

func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.ProjectCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.svc.CreateProject(r.Context(), middleware.GetUserID(r.Context()), &services.CreateProjectInput{
		Name:         req.Name,
		TemplateKind: req.TemplateKind,
		Settings:     req.Settings,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, p)
}

func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, projectFrom(r))
}

func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteProject(r.Context(), projectID(r), middleware.GetUserID(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProjectsHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, types.ProjectStatusResponse{
		DeployStatus:   string(st.DeployStatus),
		URL:            st.URL,
		PendingChanges: st.PendingChanges,
	})
}
