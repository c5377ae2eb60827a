package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/internal/api/types"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

const maxBodyBytes = 10 << 20

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, types.APIResponse{Success: true, Data: data, Meta: &types.Meta{RequestID: middleware.GetRequestID(r.Context())}})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := types.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed", zap.String("request_id", middleware.GetRequestID(r.Context())), zap.Error(err))
	}
	writeJSON(w, status, types.APIResponse{
		Success: false,
		Error:   types.FromAppError(err),
		Meta:    &types.Meta{RequestID: middleware.GetRequestID(r.Context())},
	})
}

// decode reads a JSON body into dst and validates it. An empty body leaves
// dst at its zero value.
func decode(r *http.Request, dst any) error {
	if r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return appErr.Wrap(err, appErr.CodeInvalid, "invalid json")
		}
	}
	if err := validate.Struct(dst); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, err.Error())
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, appErr.New(appErr.CodeInvalid, "invalid "+name)
	}
	return id, nil
}
