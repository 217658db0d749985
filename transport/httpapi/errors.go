package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/storage"
)

// Error codes carried in the envelope.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeConfigurationError = "configuration_error"
	CodeNotFound           = "not_found"
	CodeAlreadyExists      = "already_exists"
	CodeConflict           = "conflict"
	CodeInternal           = "internal_error"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// errorHandler writes err if it recognizes it.
type errorHandler func(w http.ResponseWriter, err error) bool

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error(), err.Error())
		return true
	}
}

func configurationHandler(w http.ResponseWriter, err error) bool {
	var cfgErr *core.ConfigurationError
	if !errors.As(err, &cfgErr) {
		return false
	}
	writeError(w, http.StatusBadRequest, CodeConfigurationError, "unusable configuration", err.Error())
	return true
}

// errorHandlers is checked in order; the first match wins.
var errorHandlers = []errorHandler{
	sentinelHandler(storage.ErrNotFound, http.StatusNotFound, CodeNotFound),
	sentinelHandler(storage.ErrUnknownCollection, http.StatusNotFound, CodeNotFound),
	sentinelHandler(storage.ErrAlreadyExists, http.StatusConflict, CodeAlreadyExists),
	sentinelHandler(storage.ErrOrgNotEmpty, http.StatusConflict, CodeConflict),
	sentinelHandler(core.ErrInvalidTransition, http.StatusConflict, CodeConflict),
	sentinelHandler(core.ErrConcurrencyConflict, http.StatusConflict, CodeConflict),
	sentinelHandler(core.ErrInvalidID, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrInvalidEmbeddingConfig, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrInvalidChunkPolicy, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrInvalidSource, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrInvalidMetadata, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrInvalidFilter, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(core.ErrEmptyQuery, http.StatusBadRequest, CodeInvalidRequest),
	sentinelHandler(storage.ErrDimensionMismatch, http.StatusBadRequest, CodeInvalidRequest),
	configurationHandler,
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range errorHandlers {
		if h(w, err) {
			s.logger.Debug("request rejected", "path", r.URL.Path, "err", err)
			return
		}
	}
	s.logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

func badRequest(w http.ResponseWriter, message string, err error) {
	var details string
	if err != nil {
		details = err.Error()
	}
	writeError(w, http.StatusBadRequest, CodeInvalidRequest, message, details)
}
