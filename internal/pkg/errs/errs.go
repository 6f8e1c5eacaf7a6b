package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"recoverychat/internal/pkg/logx"
)

// CustomError is the coded error used throughout the application.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int

	// Message is the user-friendly error description.
	Message string

	// Status is the HTTP status code used when the error is returned by the REST API.
	Status int
}

// Error implements the error interface.
func (e *CustomError) Error() string {
	return fmt.Sprintf("error code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is reports whether target is a CustomError with the same code, so callers can write
// errors.Is(err, errs.NewError(errs.ErrNotInRoom)).
func (e *CustomError) Is(target error) bool {
	var other *CustomError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewError builds a *CustomError for a predefined code. details are printf arguments for
// message templates that contain a verb; for ErrUnknown the first detail may be the
// underlying error, which is logged instead. Unknown codes degrade to ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	template, ok := errorMap[code]
	if !ok {
		logx.Error(
			fmt.Errorf("unknown error code %d", code),
			"Unknown error code requested",
			"requested_code", code,
		)
		template = errorMap[ErrUnknown]
	}

	customErr := template
	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	switch {
	case len(details) == 0:
	case code == ErrUnknown:
		if cause, ok := details[0].(error); ok {
			logx.Error(cause, "Handling ErrUnknown with underlying error")
		}
	case strings.Contains(customErr.Message, "%"):
		customErr.Message = fmt.Sprintf(customErr.Message, details...)
	default:
		logx.Warn("Details provided for error without formatting placeholders. Details ignored.", "code", code)
	}

	return &customErr
}

// CodeOf returns the code of the first CustomError in err's chain, or ErrUnknown.
func CodeOf(err error) int {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code
	}
	return ErrUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code int) bool {
	var customErr *CustomError
	return errors.As(err, &customErr) && customErr.Code == code
}
