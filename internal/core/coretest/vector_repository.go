package coretest

import (
	"context"
	"sync"

	"github.com/jinford/efo-mapper/internal/core/embedding"
)

// MemoryVectorRepository はメモリ上の embedding.SnapshotRepository
type MemoryVectorRepository struct {
	mu        sync.Mutex
	vectors   map[string]map[string]embedding.Entry
	SaveCalls int
}

// NewMemoryVectorRepository は空のリポジトリを作成する
func NewMemoryVectorRepository() *MemoryVectorRepository {
	return &MemoryVectorRepository{vectors: map[string]map[string]embedding.Entry{}}
}

func (r *MemoryVectorRepository) LoadVectors(ctx context.Context, namespace string) ([]embedding.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]embedding.Entry, 0, len(r.vectors[namespace]))
	for _, e := range r.vectors[namespace] {
		out = append(out, e)
	}
	return out, nil
}

func (r *MemoryVectorRepository) SaveVectors(ctx context.Context, namespace, model string, entries []embedding.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SaveCalls++
	if r.vectors[namespace] == nil {
		r.vectors[namespace] = map[string]embedding.Entry{}
	}
	for _, e := range entries {
		e.Model = model
		r.vectors[namespace][e.ID] = e
	}
	return nil
}

var _ embedding.SnapshotRepository = (*MemoryVectorRepository)(nil)
