package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"

	// necessary import to wire up the postgres driver
	_ "github.com/lib/pq"

	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/paging"
)

// PostgresStore implements Store with sqlx over lib/pq. Every query is
// qualified with the configured schema.
type PostgresStore struct {
	db     *sqlx.DB
	schema string
}

// OpenPostgres connects to databaseURL and pings it.
func OpenPostgres(ctx context.Context, databaseURL, schema string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db, schema), nil
}

// NewPostgresStore wraps an existing connection. An empty schema means "public".
func NewPostgresStore(db *sqlx.DB, schema string) *PostgresStore {
	if strings.TrimSpace(schema) == "" {
		schema = "public"
	}
	return &PostgresStore{db: db, schema: schema}
}

// Migrate creates the schema and the user_profiles table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema(s.schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *models.UserProfile) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.user_profiles (email, active)
		VALUES ($1, $2)
		RETURNING id, email, active`, s.schema)

	var created models.UserProfile
	if err := s.db.QueryRowxContext(ctx, query, p.Email, p.Active).StructScan(&created); err != nil {
		return fmt.Errorf("failed to create user profile: %w", err)
	}
	*p = created
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	query := fmt.Sprintf(`SELECT id, email, active FROM %s.user_profiles WHERE id = $1`, s.schema)

	var p models.UserProfile
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[models.UserProfile](), nil
		}
		return mo.None[models.UserProfile](), fmt.Errorf("failed to get user profile: %w", err)
	}
	return mo.Some(p), nil
}

func (s *PostgresStore) List(ctx context.Context, req paging.Request) ([]models.UserProfile, int64, error) {
	order, err := orderClauses(req.Sort)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s.user_profiles`, s.schema)
	if err := s.db.GetContext(ctx, &total, countQuery); err != nil {
		return nil, 0, fmt.Errorf("failed to count user profiles: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, email, active
		FROM %s.user_profiles
		ORDER BY %s
		LIMIT $1 OFFSET $2`, s.schema, strings.Join(order, ", "))

	profiles := []models.UserProfile{}
	if err := s.db.SelectContext(ctx, &profiles, query, req.Size, req.Offset()); err != nil {
		return nil, 0, fmt.Errorf("failed to list user profiles: %w", err)
	}
	return profiles, total, nil
}

func (s *PostgresStore) Update(ctx context.Context, p models.UserProfile) error {
	query := fmt.Sprintf(`UPDATE %s.user_profiles SET email = $1, active = $2 WHERE id = $3`, s.schema)

	result, err := s.db.ExecContext(ctx, query, p.Email, p.Active, p.IDValue())
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s.user_profiles WHERE id = $1`, s.schema)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete user profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
