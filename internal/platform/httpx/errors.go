// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks malformed request input: bad JSON, query values or dates.
var ErrValidation = errors.New("validation failed")

// RespondError writes the fallback problem response for errors no domain
// handler claimed. Details of unexpected errors are never echoed.
func RespondError(w http.ResponseWriter, err error) {
	var fields validator.ValidationErrors
	switch {
	case errors.As(err, &fields):
		ValidationProblem(w, err)
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "the request took too long")
	case errors.Is(err, context.Canceled):
		Problem(w, http.StatusServiceUnavailable, "Canceled", "the request was canceled")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
