package store

import (
	"sync"

	"github.com/devrev/weatherdb/internal/model"
)

// MemoryRecordStore is the in-memory RecordStore. Writes come from the
// node's loop; the mutex lets the admin server read stats concurrently.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	data    map[string][]model.Record
	records int
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		data: make(map[string][]model.Record),
	}
}

// Append adds rec unless an equal record exists for the date
func (s *MemoryRecordStore) Append(rec model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data[rec.Date] {
		if existing.Equal(rec) {
			return false
		}
	}
	s.data[rec.Date] = append(s.data[rec.Date], rec)
	s.records++
	return true
}

// Get returns the records for date in insertion order
func (s *MemoryRecordStore) Get(date string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.data[date]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]model.Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Dump copies the whole dataset
func (s *MemoryRecordStore) Dump() map[string][]model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]model.Record, len(s.data))
	for date, recs := range s.data {
		cp := make([]model.Record, len(recs))
		copy(cp, recs)
		out[date] = cp
	}
	return out
}

// Delete drops all records of date and returns how many were removed
func (s *MemoryRecordStore) Delete(date string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data[date])
	delete(s.data, date)
	s.records -= n
	return n
}

// Stats returns the number of dates and records held
func (s *MemoryRecordStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{Dates: len(s.data), Records: s.records}
}
