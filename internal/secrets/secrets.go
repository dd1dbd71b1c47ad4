// Package secrets loads provider credentials and signing keys from AWS
// Secrets Manager, with an in-memory store for local runs and tests.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// GatewaySecrets is the JSON document stored under SECRETS_NAME. Empty
// fields leave the environment value in place.
type GatewaySecrets struct {
	OpenAIAPIKey    string `json:"openai_api_key"`
	DeepSeekAPIKey  string `json:"deepseek_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key"`
	JWTSecret       string `json:"jwt_secret"`
	DatabaseURL     string `json:"database_url"`
	RedisURL        string `json:"redis_url"`
}

func Load(ctx context.Context, store SecretStore, name string) (GatewaySecrets, error) {
	var s GatewaySecrets
	if err := GetJSON(ctx, store, name, &s); err != nil {
		return GatewaySecrets{}, err
	}
	return s, nil
}

func GetJSON(ctx context.Context, store SecretStore, name string, v any) error {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}

// SecretsManagerAPI is the part of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client SecretsManagerAPI
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: *result.SecretString, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return *result.SecretString, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedSecret)
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// SetJSON stores v encoded as JSON.
func (s *InMemorySecretStore) SetJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.SetSecret(name, string(data))
	return nil
}
