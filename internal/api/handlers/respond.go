package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps an error onto its HTTP status and a structured error body.
// Non-AppError failures become opaque 500s.
func writeError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		logger.WithError(err).Error("Unhandled request error")
		appErr = errors.NewInternalError("Internal server error")
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, map[string]interface{}{"error": appErr})
}

// decodeJSON decodes a request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "Invalid JSON body").WithCause(err)
	}
	return nil
}
