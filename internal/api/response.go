package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Pre-marshaled fallback response used when encoding fails.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.ErrorResponse("internal", "Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals response before touching headers so that an
// encoding failure can still produce a clean 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps a typed error to an HTTP status and error envelope.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, models.ErrorCode("internal")
	var e *models.Error
	if errors.As(err, &e) {
		code = e.Code
		switch e.Code {
		case models.CodeInvalidInput:
			status = http.StatusBadRequest
		case models.CodeInvalidSignature:
			status = http.StatusUnauthorized
		case models.CodeWebhookNotRegistered, models.CodeConversationNotFound, models.CodeProviderNotFound:
			status = http.StatusNotFound
		case models.CodeConflict, models.CodeInvalidTransition:
			status = http.StatusConflict
		case models.CodeNoProvider:
			status = http.StatusServiceUnavailable
		}
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeJSONResponse(w, status, models.ErrorResponse(code, msg))
}
