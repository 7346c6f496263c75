package repo

import (
	"context"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

type OutcomeRepository interface {
	AppendOutcome(ctx context.Context, o model.Outcome) error
	RecordFailure(ctx context.Context, f model.FailureRecord) error
	ListOutcomes(ctx context.Context, limit, offset int) ([]model.Outcome, error)
}

type RecipientDirectory interface {
	Status(ctx context.Context, recipient string) (model.RecipientStatus, error)
}
