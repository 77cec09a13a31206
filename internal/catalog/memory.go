package catalog

import (
	"context"
	"sync"

	"github.com/ftprelay/ftprelay/internal/fault"
	"github.com/ftprelay/ftprelay/internal/metrics"
)

// MemoryStore keeps records in process memory, in insertion order. Contents
// are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return ErrDuplicateID
	}
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	metrics.SetCatalogRecords(len(s.records))
	return nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return Record{}, fault.NotFound("catalog get "+id, nil)
	}
	return s.records[i], nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID int) ([]Record, error) {
	s.mu.RLock()
	mine := []Record{}
	for _, r := range s.records {
		if r.OwnerID == ownerID {
			mine = append(mine, r)
		}
	}
	s.mu.RUnlock()
	return newestFirst(mine), nil
}

func (s *MemoryStore) Page(_ context.Context, page, limit int) (Page, error) {
	page, limit = NormalizePage(page, limit)

	s.mu.RLock()
	all := newestFirst(s.records)
	s.mu.RUnlock()

	p := Page{
		TotalFiles:  len(all),
		TotalPages:  TotalPages(len(all), limit),
		CurrentPage: page,
		Files:       []Record{},
	}
	start := (page - 1) * limit
	if start < len(all) {
		end := min(start+limit, len(all))
		p.Files = all[start:end]
	}
	return p, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalUploads:   len(s.records),
		UploadsPerUser: make(map[string]int),
	}
	for _, r := range s.records {
		st.TotalSize += r.SizeBytes
		st.UploadsPerUser[r.OwnerDisplayName]++
	}
	return st, nil
}
