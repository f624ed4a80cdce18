package assistant

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict means the stored transcript moved past the caller's view.
	ErrVersionConflict = errors.New("session version conflict")
	ErrInvalidMessage  = errors.New("invalid message")
)

// AnyVersion skips the optimistic version check on writes.
const AnyVersion int64 = -1
