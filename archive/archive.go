// Package archive defines the persistence layer for terminal workflows.
//
// Any workflow that reaches a terminal phase is moved out of the active
// state-store bucket and into an archive. Available implementations:
//
//   - memory: in-process archive for development and testing
//   - mongo: MongoDB write-through for production deployments
package archive

import (
	"context"
	"errors"

	"github.com/madsci-dev/workcell/types"
)

// ErrNotFound is returned when a workflow is not in the archive.
var ErrNotFound = errors.New("archived workflow not found")

// Store persists terminal workflows. Implementations must be safe for
// concurrent use.
type Store interface {
	// Archive stores or replaces a terminal workflow.
	Archive(ctx context.Context, wf *types.Workflow) error

	// Get retrieves an archived workflow by ID. Returns ErrNotFound when the
	// workflow was never archived.
	Get(ctx context.Context, id string) (*types.Workflow, error)

	// ListRecent returns up to n archived workflows, most recently ended
	// first. n <= 0 means no limit.
	ListRecent(ctx context.Context, n int) ([]*types.Workflow, error)

	// Delete removes a workflow from the archive. Used when a terminal
	// workflow is retried and returns to the active queue. Deleting an
	// absent workflow is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
