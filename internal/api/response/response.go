// internal/api/response/response.go
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/newthinker/riskguard/internal/core"
)

// Meta contains response metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// SuccessResponse is the standard success response format.
type SuccessResponse struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// statusByCode maps core error codes to HTTP statuses. Unlisted codes are 500.
var statusByCode = map[string]int{
	core.ErrClientNotFound.Code:  http.StatusNotFound,
	core.ErrInvalidUpdate.Code:   http.StatusBadRequest,
	core.ErrConfigInvalid.Code:   http.StatusBadRequest,
	core.ErrConfigMissing.Code:   http.StatusBadRequest,
	core.ErrUnauthorized.Code:    http.StatusUnauthorized,
	core.ErrExchangeFailed.Code:  http.StatusBadGateway,
	core.ErrExchangeTimeout.Code: http.StatusGatewayTimeout,
	core.ErrPersistence.Code:     http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		if status, ok := statusByCode[coreErr.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// JSON writes a success response with data.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, SuccessResponse{
		Data: data,
		Meta: Meta{Timestamp: time.Now().UTC()},
	})
}

// Error writes an error response. Errors that are not *core.Error are
// reported as INTERNAL_ERROR without their text.
func Error(w http.ResponseWriter, status int, err error) {
	detail := ErrorDetail{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		detail.Code = coreErr.Code
		detail.Message = coreErr.Message
		if coreErr.Cause != nil {
			detail.Cause = coreErr.Cause.Error()
		}
	}

	write(w, status, ErrorResponse{Error: detail})
}

// FromError writes err with the status StatusFor picks.
func FromError(w http.ResponseWriter, err error) {
	Error(w, StatusFor(err), err)
}

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
