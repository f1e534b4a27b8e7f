package reploop

import (
	"time"

	"github.com/google/uuid"
)

// newID generates a globally unique, time-sortable UUIDv7 (RFC 9562). Used
// for CompletionId, CallId, and BridgeRequestId values so IDs sort by
// creation time in logs and traces.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// nowMs returns the current time as Unix milliseconds.
func nowMs() int64 {
	return time.Now().UnixMilli()
}
