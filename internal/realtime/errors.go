package realtime

import "errors"

// Sentinel errors for channel operations. Each is terminal for the
// triggering operation only and never corrupts registry state.
var (
	ErrUnauthenticated = errors.New("connection is not authenticated")
	ErrNotInRoom       = errors.New("connection is not a member of the room")
	ErrUnknownEvent    = errors.New("unknown event type")
	ErrInvalidPayload  = errors.New("invalid event payload")
)
