package handlers

import (
	"net/http"
	"strconv"

	"github.com/sitesync/engine/internal/services"
	appErr "github.com/sitesync/engine/pkg/errors"
)

type HistoryHandler struct {
	commits services.CommitService
}

func NewHistoryHandler(commits services.CommitService) *HistoryHandler {
	return &HistoryHandler{commits: commits}
}

func (h *HistoryHandler) ListCommits(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := h.commits.ListCommits(r.Context(), projectID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}

func (h *HistoryHandler) GetCommit(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "commitId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail, err := h.commits.GetCommit(r.Context(), projectID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, detail)
}

// Tree lists the current file of every path without content.
func (h *HistoryHandler) Tree(w http.ResponseWriter, r *http.Request) {
	files, err := h.commits.Tree(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, files)
}

// Content returns the current content of one path as raw bytes.
func (h *HistoryHandler) Content(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, appErr.New(appErr.CodeInvalid, "path is required"))
		return
	}
	files, err := h.commits.LatestFiles(r.Context(), projectID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	content, ok := files[path]
	if !ok {
		writeError(w, r, appErr.New(appErr.CodeNotFound, "file not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *HistoryHandler) PathHistory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, appErr.New(appErr.CodeInvalid, "path is required"))
		return
	}
	items, err := h.commits.PathHistory(r.Context(), projectID(r), path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, items)
}
