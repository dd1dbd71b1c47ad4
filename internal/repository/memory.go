package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/crypto"
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// DemoAPIKey is the plaintext key seeded into the in-memory principal store.
const DemoAPIKey = "llm_demo_key_for_local_testing_0001"

type InMemoryPrincipalStore struct {
	mu    sync.RWMutex
	users map[int64]*domain.User
	keys  map[int64]*domain.APIKey
	now   func() time.Time
}

func NewInMemoryPrincipalStore() *InMemoryPrincipalStore {
	return &InMemoryPrincipalStore{
		users: make(map[int64]*domain.User),
		keys:  make(map[int64]*domain.APIKey),
		now:   time.Now,
	}
}

// NewSeededPrincipalStore returns a store holding the demo user and DemoAPIKey.
func NewSeededPrincipalStore() *InMemoryPrincipalStore {
	s := NewInMemoryPrincipalStore()
	now := time.Now()
	s.AddUser(domain.User{ID: 1, Username: "demo", Email: "demo@example.com", IsActive: true, CreatedAt: now})
	prefix, _ := crypto.KeyPrefix(DemoAPIKey)
	s.AddAPIKey(domain.APIKey{
		ID:        1,
		UserID:    1,
		Name:      "demo",
		KeyPrefix: prefix,
		KeyHash:   crypto.HashAPIKey(DemoAPIKey),
		IsActive:  true,
		CreatedAt: now,
	})
	return s
}

func (s *InMemoryPrincipalStore) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *InMemoryPrincipalStore) AddAPIKey(k domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = &k
}

// SetUserActive toggles a user in place.
func (s *InMemoryPrincipalStore) SetUserActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsActive = active
	}
}

// SetAPIKeyActive toggles a key in place.
func (s *InMemoryPrincipalStore) SetAPIKeyActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.IsActive = active
	}
}

func (s *InMemoryPrincipalStore) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryPrincipalStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (s *InMemoryPrincipalStore) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryPrincipalStore) TouchAPIKey(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	now := s.now()
	k.LastUsedAt = &now
	k.UsageCount++
	return nil
}

// APIKey returns a copy of the stored key.
func (s *InMemoryPrincipalStore) APIKey(id int64) (domain.APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return domain.APIKey{}, false
	}
	return *k, true
}

type InMemoryModelCatalog struct {
	mu     sync.RWMutex
	models map[string]domain.ModelDescriptor
}

func NewInMemoryModelCatalog(models ...domain.ModelDescriptor) *InMemoryModelCatalog {
	c := &InMemoryModelCatalog{models: make(map[string]domain.ModelDescriptor)}
	for _, m := range models {
		c.models[m.Name] = m
	}
	return c
}

// DemoModels is the catalog served when no database is configured.
func DemoModels() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{ID: 1, Name: "gpt-4", DisplayName: "GPT-4", Provider: "openai", IsActive: true, MaxTokens: 8192, Priority: 10},
		{ID: 2, Name: "gpt-4o", DisplayName: "GPT-4o", Provider: "openai", IsActive: true, MaxTokens: 128000, Priority: 10},
		{ID: 3, Name: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", Provider: "openai", IsActive: true, MaxTokens: 4096, Priority: 5},
		{ID: 4, Name: "deepseek-chat", DisplayName: "DeepSeek Chat", Provider: "mock", IsActive: true, MaxTokens: 4096, Priority: 5},
		{ID: 5, Name: "deepseek-coder-v2", DisplayName: "DeepSeek Coder V2", Provider: "deepseek", IsActive: true, MaxTokens: 16384, Priority: 5},
		{ID: 6, Name: "claude-3-sonnet", DisplayName: "Claude 3 Sonnet", Provider: "anthropic", IsActive: true, MaxTokens: 4096, Priority: 8},
		{ID: 7, Name: "llama3", DisplayName: "Llama 3", Provider: "ollama", IsActive: true, MaxTokens: 4096, Priority: 1},
		{ID: 8, Name: "mock-model", DisplayName: "Mock Model", Provider: "local", IsActive: true, MaxTokens: 4096, Priority: 0},
		{ID: 9, Name: "legacy-model", DisplayName: "Legacy Model", Provider: "mock", IsActive: false, MaxTokens: 2048, Priority: 0},
	}
}

func (c *InMemoryModelCatalog) Put(m domain.ModelDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
}

func (c *InMemoryModelCatalog) GetByName(ctx context.Context, name string) (*domain.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.models[name]
	if !ok {
		return nil, domain.ErrModelNotFound
	}
	return &m, nil
}

func (c *InMemoryModelCatalog) List(ctx context.Context) ([]domain.ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// InMemoryUsageLog keeps records in arrival order, ignoring duplicate IDs.
type InMemoryUsageLog struct {
	mu      sync.Mutex
	records []domain.UsageRecord
	seen    map[string]struct{}
}

func NewInMemoryUsageLog() *InMemoryUsageLog {
	return &InMemoryUsageLog{seen: make(map[string]struct{})}
}

func (l *InMemoryUsageLog) Append(ctx context.Context, record domain.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := record.ID.String()
	if _, dup := l.seen[id]; dup {
		return nil
	}
	l.seen[id] = struct{}{}
	l.records = append(l.records, record)
	return nil
}

func (l *InMemoryUsageLog) Records() []domain.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}
