// Package repository holds the gateway's persistence collaborators: the
// principal store, the model catalog and the usage log.
package repository

import (
	"context"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PrincipalStore interface {
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	// FindAPIKeysByPrefix returns every key sharing the lookup prefix,
	// active or not. Callers verify the hash.
	FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]domain.APIKey, error)
	// TouchAPIKey records a use of the key. The counter increment is atomic.
	TouchAPIKey(ctx context.Context, id int64) error
}

type ModelCatalog interface {
	GetByName(ctx context.Context, name string) (*domain.ModelDescriptor, error)
	List(ctx context.Context) ([]domain.ModelDescriptor, error)
}

// UsageLog is append-only. Appends may be retried; implementations treat
// UsageRecord.ID as an idempotency key where the backend allows it.
type UsageLog interface {
	Append(ctx context.Context, record domain.UsageRecord) error
}
