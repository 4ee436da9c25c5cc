package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
)

const maxBody = 1 << 20

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation(apperr.CodeMalformedRequest, "malformed JSON body")
}

// statusFor maps the error taxonomy onto HTTP. Requests that are well formed
// but refused by a business rule get 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		switch apperr.Code(err) {
		case apperr.CodeUnknownRider, apperr.CodeRiderBlocked, apperr.CodeRideAlreadyActive, apperr.CodeOutsideServiceArea:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	var body errorBody
	body.Error.Code = apperr.Code(err)
	body.Error.Message = err.Error()
	body.RequestID = requestIDFromContext(r.Context())
	if status == http.StatusInternalServerError {
		body.Error.Message = "internal error"
	}
	attrs := []any{"status", status, "code", body.Error.Code, "error", err}
	if cause := errors.Unwrap(err); cause != nil {
		attrs = append(attrs, "cause", cause, "root", rootCause(cause))
	}
	logger := logging.FromContext(r.Context(), s.logger)
	if status >= 500 {
		logger.Error("request failed", attrs...)
	} else {
		logger.Debug("request rejected", attrs...)
	}
	writeJSON(w, status, body)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
