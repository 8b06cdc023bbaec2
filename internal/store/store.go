package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/mo"

	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/paging"
)

// ErrNotFound is returned when an operation targets a profile that does not exist.
var ErrNotFound = errors.New("user profile not found")

// Store persists user profiles keyed by a server-assigned integer id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create assigns an id to p and persists it.
	Create(ctx context.Context, p *models.UserProfile) error
	// Get returns None when no profile has the id.
	Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error)
	// List returns one page ordered by req.Sort (id ascending when unsorted) and the total count.
	List(ctx context.Context, req paging.Request) ([]models.UserProfile, int64, error)
	// Update replaces email and active of an existing profile. Returns ErrNotFound when absent.
	Update(ctx context.Context, p models.UserProfile) error
	// Delete reports whether a profile was removed.
	Delete(ctx context.Context, id int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// SortProperties lists the properties a list request may sort by.
var SortProperties = []string{"id", "email", "active"}

// sortColumns maps sort properties to column names. Only values from this map reach SQL.
var sortColumns = map[string]string{
	"id":     "id",
	"email":  "email",
	"active": "active",
}

// orderClauses renders req.Sort as ORDER BY terms, always ending with id so pages are stable.
func orderClauses(s paging.Sort) ([]string, error) {
	out := make([]string, 0, len(s)+1)
	hasID := false
	for _, o := range s {
		col, ok := sortColumns[o.Property]
		if !ok {
			return nil, fmt.Errorf("%w: unknown property %q", paging.ErrInvalidSort, o.Property)
		}
		if col == "id" {
			hasID = true
		}
		dir := "ASC"
		if o.Direction == paging.Desc {
			dir = "DESC"
		}
		out = append(out, col+" "+dir)
	}
	if !hasID {
		out = append(out, "id ASC")
	}
	return out, nil
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // "memory", "sqlite" or "postgres"
	DatabaseURL string
	Schema      string // postgres only
	AutoMigrate bool
}

// Open returns the backend named by cfg.Backend. SQL backends are pinged and,
// when AutoMigrate is set, have their schema created.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.DatabaseURL, cfg.Schema)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
