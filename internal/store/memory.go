package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/samber/mo"

	"github.com/kjstillabower/userprofile-service/internal/models"
	"github.com/kjstillabower/userprofile-service/internal/paging"
)

// MemoryStore keeps profiles in a map. Ids come from a counter that never
// goes backwards, so a deleted id is never handed out again.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[int64]models.UserProfile
	nextID int64
}

// NewMemoryStore returns an empty MemoryStore whose first id is 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[int64]models.UserProfile),
		nextID: 1,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *models.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	*p = p.WithID(id)
	s.rows[id] = p.WithID(id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (mo.Option[models.UserProfile], error) {
	if err := ctx.Err(); err != nil {
		return mo.None[models.UserProfile](), err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return mo.None[models.UserProfile](), nil
	}
	return mo.Some(p.WithID(id)), nil
}

func (s *MemoryStore) List(ctx context.Context, req paging.Request) ([]models.UserProfile, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	all := make([]models.UserProfile, 0, len(s.rows))
	for id, p := range s.rows {
		all = append(all, p.WithID(id))
	}
	s.mu.RUnlock()

	if err := sortProfiles(all, req.Sort); err != nil {
		return nil, 0, err
	}
	total := int64(len(all))
	start := req.Offset()
	if start < 0 || start >= total {
		return []models.UserProfile{}, total, nil
	}
	end := start + int64(req.Size)
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *MemoryStore) Update(ctx context.Context, p models.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := p.IDValue()
	if _, ok := s.rows[id]; !ok {
		return ErrNotFound
	}
	s.rows[id] = p.WithID(id)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// sortProfiles orders rows by the requested sort, falling back to id ascending.
func sortProfiles(rows []models.UserProfile, s paging.Sort) error {
	if _, err := orderClauses(s); err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range s {
			c := compareProperty(rows[i], rows[j], o.Property)
			if c == 0 {
				continue
			}
			if o.Direction == paging.Desc {
				return c > 0
			}
			return c < 0
		}
		return rows[i].IDValue() < rows[j].IDValue()
	})
	return nil
}

func compareProperty(a, b models.UserProfile, prop string) int {
	switch prop {
	case "email":
		return strings.Compare(a.Email, b.Email)
	case "active":
		switch {
		case a.Active == b.Active:
			return 0
		case !a.Active:
			return -1
		default:
			return 1
		}
	default:
		switch {
		case a.IDValue() < b.IDValue():
			return -1
		case a.IDValue() > b.IDValue():
			return 1
		default:
			return 0
		}
	}
}
