// internal/oplog/memory.go
package oplog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/javajoker/traceledger/internal/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.OperationEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]models.OperationEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, entry models.OperationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Key]; ok {
		return ErrExists
	}
	now := s.now()
	entry.Version = 1
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (models.OperationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return models.OperationEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) Update(ctx context.Context, entry models.OperationEntry) (models.OperationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[entry.Key]
	if !ok {
		return models.OperationEntry{}, ErrNotFound
	}
	if current.Version != entry.Version {
		return models.OperationEntry{}, ErrVersionConflict
	}
	entry.Version++
	entry.CreatedAt = current.CreatedAt
	entry.UpdatedAt = s.now()
	s.entries[entry.Key] = entry
	return entry, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.OperationEntry, error) {
	return s.collect(limit, func(e models.OperationEntry) bool { return isDue(e, now) }), nil
}

func (s *MemoryStore) ListByStage(ctx context.Context, stage models.OperationStage, limit int) ([]models.OperationEntry, error) {
	return s.collect(limit, func(e models.OperationEntry) bool { return e.Stage == stage }), nil
}

func (s *MemoryStore) ListByQRCode(ctx context.Context, qrCode string) ([]models.OperationEntry, error) {
	return s.collect(0, func(e models.OperationEntry) bool { return e.QRCode == qrCode }), nil
}

func (s *MemoryStore) collect(limit int, match func(models.OperationEntry) bool) []models.OperationEntry {
	s.mu.RLock()
	var out []models.OperationEntry
	for _, e := range s.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortEntries(entries []models.OperationEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
