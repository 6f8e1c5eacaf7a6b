/*
Package errs provides the coded error type shared by the HTTP API and the websocket protocol,
together with the application-level error code constants.
*/
package errs

// 1xxx: General request handling errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates a malformed JSON body or websocket frame.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates trailing content after a valid JSON document.
	ErrExtraContentInBody = 1004

	// ErrRateLimitExceeded indicates that the request or frame rate exceeded the limit.
	ErrRateLimitExceeded = 1007

	// ErrUnsupportedEvent indicates a websocket frame with an unknown event type.
	ErrUnsupportedEvent = 1008
)

// 2xxx: Room and message errors
const (
	// ErrRoomExists indicates that a room with the requested id already exists.
	ErrRoomExists = 2102

	// ErrRoomNotFound indicates that the referenced room is not in the catalog.
	ErrRoomNotFound = 2103

	// ErrNotInRoom indicates a room-scoped event from a connection not joined to that room.
	ErrNotInRoom = 2105

	// ErrInvalidMessage indicates an empty or over-long message body.
	ErrInvalidMessage = 2201
)

// 3xxx: Identity and connection errors
const (
	// ErrUnauthorized indicates a missing or rejected credential.
	ErrUnauthorized = 3001

	// ErrDuplicateConnection indicates a connection id that is already registered.
	ErrDuplicateConnection = 3005
)

// 5xxx: Internal system errors
const (
	// ErrUnknown represents an unclassified internal error.
	ErrUnknown = 5000

	// ErrPersistenceUnavailable indicates the backing store failed after a retry.
	ErrPersistenceUnavailable = 5001
)
