package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type MockSecretsManager struct {
	calls              int
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestInMemorySecretStore_GetNotFound(t *testing.T) {
	store := NewInMemorySecretStore()

	_, err := store.GetSecret(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("GetSecret() error = %v, want ErrSecretNotFound", err)
	}
}

func TestLoad(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("llm-gateway/prod", `{"openai_api_key":"sk-1","jwt_secret":"hush","unknown":"x"}`)

	got, err := Load(context.Background(), store, "llm-gateway/prod")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.OpenAIAPIKey != "sk-1" || got.JWTSecret != "hush" {
		t.Errorf("Load() = %+v", got)
	}
	if got.AnthropicAPIKey != "" {
		t.Errorf("AnthropicAPIKey = %q, want empty", got.AnthropicAPIKey)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("bad", "not json")

	if _, err := Load(context.Background(), store, "bad"); err == nil {
		t.Error("Load() should fail on invalid JSON")
	}
}

func TestInMemorySecretStore_SetJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	if err := store.SetJSON("s", GatewaySecrets{DeepSeekAPIKey: "ds"}); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	got, err := Load(context.Background(), store, "s")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.DeepSeekAPIKey != "ds" {
		t.Errorf("DeepSeekAPIKey = %q", got.DeepSeekAPIKey)
	}
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	client := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			if *params.SecretId != "gw" {
				t.Errorf("SecretId = %s", *params.SecretId)
			}
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"jwt_secret":"k"}`)}, nil
		},
	}

	sm := NewAWSSecretsManagerWithClient(client)
	sm.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := sm.GetSecret(context.Background(), "gw"); err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 while cached", client.calls)
	}

	now = now.Add(6 * time.Minute)
	if _, err := sm.GetSecret(context.Background(), "gw"); err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 after ttl", client.calls)
	}

	sm.ClearCache()
	sm.GetSecret(context.Background(), "gw")
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 after ClearCache", client.calls)
	}
}

func TestAWSSecretsManager_Errors(t *testing.T) {
	tests := []struct {
		name    string
		out     *secretsmanager.GetSecretValueOutput
		err     error
		wantErr error
	}{
		{"api error", nil, errors.New("access denied"), nil},
		{"binary secret", &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, nil, ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewAWSSecretsManagerWithClient(&MockSecretsManager{
				GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
					return tt.out, tt.err
				},
			})

			_, err := sm.GetSecret(context.Background(), "gw")
			if err == nil {
				t.Fatal("GetSecret() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("GetSecret() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
