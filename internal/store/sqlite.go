package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// registers the "sqlite3" driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/mo"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/paging"
)

// profileRecord models the user_profiles row for bun.
type profileRecord struct {
	bun.BaseModel `bun:"table:user_profiles"`

	ID     int64  `bun:"id,pk,autoincrement"`
	Email  string `bun:"email,notnull"`
	Active bool   `bun:"active,notnull"`
}

func (r profileRecord) toModel() models.UserProfile {
	return models.UserProfile{Email: r.Email, Active: r.Active}.WithID(r.ID)
}

// SQLiteStore implements Store with bun over sqlite.
type SQLiteStore struct {
	db *bun.DB
}

// OpenSQLite opens dsn (a file path or ":memory:") and pings it.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every connection to :memory: is its own database
		sqldb.SetMaxOpenConns(1)
	}
	s := NewSQLiteStore(bun.NewDB(sqldb, sqlitedialect.New()))
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return s, nil
}

// NewSQLiteStore wraps an existing bun handle.
func NewSQLiteStore(db *bun.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the user_profiles table if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, p *models.UserProfile) error {
	rec := &profileRecord{Email: p.Email, Active: p.Active}
	if _, err := s.db.NewInsert().Model(rec).Returning("id").Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert user profile: %w", err)
	}
	*p = rec.toModel()
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	rec := new(profileRecord)
	err := s.db.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mo.None[models.UserProfile](), nil
		}
		return mo.None[models.UserProfile](), fmt.Errorf("failed to get user profile: %w", err)
	}
	return mo.Some(rec.toModel()), nil
}

func (s *SQLiteStore) List(ctx context.Context, req paging.Request) ([]models.UserProfile, int64, error) {
	order, err := orderClauses(req.Sort)
	if err != nil {
		return nil, 0, err
	}
	var recs []profileRecord
	count, err := s.db.NewSelect().
		Model(&recs).
		OrderExpr(strings.Join(order, ", ")).
		Limit(req.Size).
		Offset(int(req.Offset())).
		ScanAndCount(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("failed to list user profiles: %w", err)
	}
	out := make([]models.UserProfile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toModel())
	}
	return out, int64(count), nil
}

func (s *SQLiteStore) Update(ctx context.Context, p models.UserProfile) error {
	rec := &profileRecord{ID: p.IDValue(), Email: p.Email, Active: p.Active}
	res, err := s.db.NewUpdate().Model(rec).Column("email", "active").WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.NewDelete().Model((*profileRecord)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to delete user profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
