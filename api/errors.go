package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/syssam/objectql"
)

// ErrorBody is the JSON error shape shared by every endpoint.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func errorBody(err error) ErrorBody {
	var e *objectql.Error
	if errors.As(err, &e) {
		return ErrorBody{Code: string(e.Code), Message: e.Message, Details: e.Details}
	}
	return ErrorBody{Code: string(objectql.CodeInternal), Message: err.Error()}
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(code objectql.Code) int {
	switch code {
	case objectql.CodeValidation, objectql.CodeInvalidRegex,
		objectql.CodeInvalidTransition, objectql.CodeInvalidDateRange:
		return http.StatusBadRequest
	case objectql.CodeUnauthorized:
		return http.StatusUnauthorized
	case objectql.CodeForbidden:
		return http.StatusForbidden
	case objectql.CodeNotFound:
		return http.StatusNotFound
	case objectql.CodeConflict:
		return http.StatusConflict
	case objectql.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case objectql.CodeDriverUnsupported:
		return http.StatusNotImplemented
	case objectql.CodeDriverConnection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	writeJSON(w, httpStatus(objectql.Code(body.Code)), map[string]any{
		"success": false,
		"error":   body,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}
