package agreement

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("agreement: not found")
	ErrAlreadyExists   = errors.New("agreement: already exists")
	ErrVersionConflict = errors.New("agreement: version conflict")
)

// ListFilter narrows List. A zero filter returns every agreement.
type ListFilter struct {
	Statuses []Status
}

func (f ListFilter) match(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// Repository stores agreements. Save is optimistic: the caller's Version must
// equal the stored one, and a successful Save increments it.
type Repository interface {
	Create(ctx context.Context, a *FinancingAgreement) error
	Get(ctx context.Context, id uuid.UUID) (*FinancingAgreement, error)
	List(ctx context.Context, filter ListFilter) ([]*FinancingAgreement, error)
	Save(ctx context.Context, a *FinancingAgreement) error
}

// MemoryRepository keeps deep copies in a map.
type MemoryRepository struct {
	mu   sync.RWMutex
	data map[uuid.UUID]*FinancingAgreement
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[uuid.UUID]*FinancingAgreement)}
}

func (r *MemoryRepository) Create(_ context.Context, a *FinancingAgreement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[a.ID]; exists {
		return ErrAlreadyExists
	}
	a.Version = 1
	r.data[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*FinancingAgreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*FinancingAgreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*FinancingAgreement, 0, len(r.data))
	for _, a := range r.data {
		if filter.match(a.Status) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Save(_ context.Context, a *FinancingAgreement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.data[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != a.Version {
		return ErrVersionConflict
	}
	a.Version++
	r.data[a.ID] = a.Clone()
	return nil
}
