package cache

import (
	"context"
	"time"
)

type MessageCache interface {
	StoreSent(ctx context.Context, itemID string, remoteMessageID string, sentAt time.Time) error
}
