package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// NewAPIKey mints an API key for an account and stores only its hash. The
// plaintext key is returned once and cannot be recovered later.
func NewAPIKey(ctx context.Context, r repo.Repo, account, name string) (string, domain.APIKey, error) {
	if account == "" {
		return "", domain.APIKey{}, fmt.Errorf("account is required")
	}
	key := uuid.NewString()
	rec := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   account,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
		return "", domain.APIKey{}, err
	}
	return key, rec, nil
}
