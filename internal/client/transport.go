package client

import (
	"context"
	"errors"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

// ErrRecipientBlocked is returned when the chat platform reports that the
// recipient blocked the sender or cannot receive messages.
var ErrRecipientBlocked = errors.New("recipient blocked or undeliverable")

// Transport is the narrow view of a chat client the pipeline depends on.
type Transport interface {
	Send(ctx context.Context, recipient string, payload model.Payload) (remoteMessageID string, err error)
	Exists(ctx context.Context, recipient string) (bool, error)
}
