package api

import (
	"encoding/json"
	"net/http"

	harvesterrors "github.com/commerce-harvester/internal/errors"
)

// ErrorBody is the error payload of a failed request
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message, Details: details},
	})
}

// respondServiceError maps err to a status code through the error categories.
// Internal causes are not exposed.
func respondServiceError(w http.ResponseWriter, err error) {
	cat := harvesterrors.Categorize(err)
	message := cat.Message
	if cat.StatusCode >= http.StatusInternalServerError {
		message = "An internal server error occurred"
	}
	respondError(w, cat.StatusCode, cat.Code, message, cat.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)
