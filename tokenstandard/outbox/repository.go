package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence operations the dispatcher needs.
//
// The List and Reset methods claim what they return: the events come back
// in PROCESSING and no other dispatcher sees them until they are marked or
// reclaimed as stuck.
type Repository interface {
	ListPending(ctx context.Context, limit int) ([]*Event, error)
	ListPendingByType(ctx context.Context, eventType string, limit int) ([]*Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	// MarkFailed counts the attempt and moves the event to INVALID once
	// maxAttempts is reached.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error
	ResetForRetry(ctx context.Context, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error)
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error)
	MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error
}

// MaxAttemptsExceeded is stored as the last error of events invalidated by
// stuck recovery.
const MaxAttemptsExceeded = "max dispatch attempts exceeded"
