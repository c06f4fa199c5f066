package outbox

import (
	"context"
)

// Store persists outbox records. Implementations must keep records created in
// a caller's transaction invisible until that transaction commits.
type Store interface {
	// Create inserts pending records
	Create(ctx context.Context, records ...*Record) error
	// FindByStatus returns records oldest first; limit <= 0 returns all
	FindByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	// Save persists the mutable fields of an existing record
	Save(ctx context.Context, record *Record) error
	// CountByStatus returns the number of records in a status
	CountByStatus(ctx context.Context, status Status) (int, error)
}
