package types

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh 26-character lexicographically sortable identifier.
// Workflows, steps and locations are keyed by these so that listing them in
// key order is also listing them in creation order.
func NewID() string {
	return ulid.Make().String()
}

// NewActionID returns a fresh identifier for a single dispatch attempt.
// Action IDs are scoped to one request/result exchange with a node and are
// regenerated on every resend.
func NewActionID() string {
	return uuid.NewString()
}
