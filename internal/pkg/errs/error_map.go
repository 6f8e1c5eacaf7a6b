package errs

import "net/http"

// errorMap holds the user-facing message and HTTP status for every error code.
var errorMap = map[int]CustomError{
	ErrInvalidParams:        {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType: {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:    {Code: ErrInvalidJSONFormat, Message: "Malformed request.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:   {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded:    {Code: ErrRateLimitExceeded, Message: "Too many requests. Please slow down.", Status: http.StatusTooManyRequests},
	ErrUnsupportedEvent:     {Code: ErrUnsupportedEvent, Message: "Unsupported event type %q."},

	ErrRoomExists:     {Code: ErrRoomExists, Message: "A room with this id already exists.", Status: http.StatusConflict},
	ErrRoomNotFound:   {Code: ErrRoomNotFound, Message: "Chat room not found.", Status: http.StatusNotFound},
	ErrNotInRoom:      {Code: ErrNotInRoom, Message: "Join the room before doing that.", Status: http.StatusConflict},
	ErrInvalidMessage: {Code: ErrInvalidMessage, Message: "Message must be between 1 and %d characters.", Status: http.StatusBadRequest},

	ErrUnauthorized:        {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},
	ErrDuplicateConnection: {Code: ErrDuplicateConnection, Message: "Connection is already registered.", Status: http.StatusConflict},

	ErrUnknown:                {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrPersistenceUnavailable: {Code: ErrPersistenceUnavailable, Message: "The chat is having trouble saving right now. Please try again.", Status: http.StatusServiceUnavailable},
}
