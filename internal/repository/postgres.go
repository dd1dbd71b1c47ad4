package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type PostgresPrincipalStore struct {
	db *sql.DB
}

func NewPostgresPrincipalStore(db *sql.DB) *PostgresPrincipalStore {
	return &PostgresPrincipalStore{db: db}
}

func (s *PostgresPrincipalStore) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	query := `
		SELECT id, username, email, is_active, created_at
		FROM users
		WHERE id = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresPrincipalStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, email, is_active, created_at
		FROM users
		WHERE username = $1
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *PostgresPrincipalStore) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var email sql.NullString

	err := row.Scan(&u.ID, &u.Username, &email, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Email = email.String
	return &u, nil
}

func (s *PostgresPrincipalStore) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]domain.APIKey, error) {
	query := `
		SELECT id, user_id, name, key_prefix, key_hash, is_active,
		       expires_at, last_used_at, usage_count, created_at
		FROM api_keys
		WHERE key_prefix = $1
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var name sql.NullString
		var expiresAt, lastUsedAt sql.NullTime

		err := rows.Scan(
			&k.ID,
			&k.UserID,
			&name,
			&k.KeyPrefix,
			&k.KeyHash,
			&k.IsActive,
			&expiresAt,
			&lastUsedAt,
			&k.UsageCount,
			&k.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}

		k.Name = name.String
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		if lastUsedAt.Valid {
			k.LastUsedAt = &lastUsedAt.Time
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

func (s *PostgresPrincipalStore) TouchAPIKey(ctx context.Context, id int64) error {
	query := `
		UPDATE api_keys
		SET last_used_at = NOW(), usage_count = usage_count + 1
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}

	return nil
}

type PostgresModelCatalog struct {
	db *sql.DB
}

func NewPostgresModelCatalog(db *sql.DB) *PostgresModelCatalog {
	return &PostgresModelCatalog{db: db}
}

const modelColumns = `id, name, display_name, provider, endpoint_url, is_active, max_tokens, priority`

func (c *PostgresModelCatalog) GetByName(ctx context.Context, name string) (*domain.ModelDescriptor, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE name = $1`

	m, err := scanModel(c.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return m, nil
}

func (c *PostgresModelCatalog) List(ctx context.Context) ([]domain.ModelDescriptor, error) {
	query := `SELECT ` + modelColumns + ` FROM models ORDER BY priority DESC, name`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []domain.ModelDescriptor
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, *m)
	}

	return models, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*domain.ModelDescriptor, error) {
	var m domain.ModelDescriptor
	var displayName, endpoint sql.NullString

	err := row.Scan(
		&m.ID,
		&m.Name,
		&displayName,
		&m.Provider,
		&endpoint,
		&m.IsActive,
		&m.MaxTokens,
		&m.Priority,
	)
	if err != nil {
		return nil, err
	}

	m.DisplayName = displayName.String
	m.Endpoint = endpoint.String
	return &m, nil
}
