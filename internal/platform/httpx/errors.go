package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Sentinel errors re-exported for handlers.
var (
	ErrNotFound   = shared.ErrNotFound
	ErrValidation = shared.ErrValidation
	ErrConflict   = shared.ErrConflict
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Business rule rejections carry the current authoritative values when the error exposes them.
func RespondError(w http.ResponseWriter, err error) {
	problem := ProblemDetail{Detail: err.Error()}
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		problem.Status, problem.Title = http.StatusBadRequest, "Validation Failed"
		problem.Errors = verr.Fields
	case errors.Is(err, ErrValidation):
		problem.Status, problem.Title = http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, ErrNotFound):
		problem.Status, problem.Title = http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		problem.Status, problem.Title = http.StatusConflict, "Duplicate Request"
	case errors.Is(err, ErrConflict):
		problem.Status, problem.Title = http.StatusConflict, "Conflict"
	default:
		problem.Status, problem.Title, problem.Detail = http.StatusInternalServerError, "Internal Error", ""
	}
	var state shared.CurrentState
	if errors.As(err, &state) {
		problem.Current = state.CurrentValues()
	}
	WriteProblem(w, problem)
}
