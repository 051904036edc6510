package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SendLedger remembers jobs whose channel call already succeeded so a
// crash between the call and the store update never leads to a resend.
type SendLedger interface {
	MarkSent(ctx context.Context, jobID uuid.UUID, remoteMessageID string, sentAt time.Time) error
	WasSent(ctx context.Context, jobID uuid.UUID) (bool, error)
}
