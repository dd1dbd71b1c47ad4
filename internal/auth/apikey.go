package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
)

// KeyToucher records key usage off the request path.
type KeyToucher interface {
	Touch(keyID int64)
}

// APIKeyStrategy authenticates gateway API keys by prefix lookup and hash
// verification.
type APIKeyStrategy struct {
	store   repository.PrincipalStore
	toucher KeyToucher
	now     func() time.Time
	logger  *slog.Logger
}

func NewAPIKeyStrategy(store repository.PrincipalStore, toucher KeyToucher, logger *slog.Logger) *APIKeyStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyStrategy{store: store, toucher: toucher, now: time.Now, logger: logger}
}

func (s *APIKeyStrategy) Name() string { return "api_key" }

func (s *APIKeyStrategy) Authenticate(ctx context.Context, credential string) Result {
	prefix, err := crypto.KeyPrefix(credential)
	if err != nil {
		return Skip()
	}

	candidates, err := s.store.FindAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return Failed(fmt.Errorf("api key lookup: %w", err))
	}

	var key *domain.APIKey
	for i := range candidates {
		if crypto.VerifyAPIKey(credential, candidates[i].KeyHash) {
			key = &candidates[i]
			break
		}
	}
	if key == nil {
		return Skip()
	}

	if !key.IsActive {
		return Rejected("api key is inactive")
	}
	if key.Expired(s.now()) {
		return Rejected("api key has expired")
	}

	user, err := s.store.GetUserByID(ctx, key.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		s.logger.Warn("api key owner missing", "key_id", key.ID, "user_id", key.UserID)
		return Rejected("api key owner not found")
	}
	if err != nil {
		return Failed(fmt.Errorf("api key owner lookup: %w", err))
	}
	if !user.IsActive {
		return Rejected("user is inactive")
	}

	if s.toucher != nil {
		s.toucher.Touch(key.ID)
	}

	keyID := key.ID
	return Resolved(domain.NewPrincipal(user.ID, &keyID))
}
