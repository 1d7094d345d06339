package store

import (
	"context"
	"errors"

	"github.com/devrev/weatherdb/internal/model"
)

// ErrNotFound is returned when a date has no records
var ErrNotFound = errors.New("not found")

// RecordStore holds a storage node's records keyed by canonical date
type RecordStore interface {
	// Append stores rec under its date unless an equal record is already
	// there. It reports whether the record was added.
	Append(rec model.Record) bool
	Get(date string) ([]model.Record, error)
	// Dump returns a copy of every date's records
	Dump() map[string][]model.Record
	Delete(date string) int
	Stats() Stats
}

// Stats summarizes a record store
type Stats struct {
	Dates   int `json:"dates"`
	Records int `json:"records"`
}

// FileRegistry is the set of files that have been loaded, used to reject a
// second LOAD of the same file
type FileRegistry interface {
	// Add marks file as loaded and reports false if it already was
	Add(ctx context.Context, file string) (bool, error)
	Remove(ctx context.Context, file string) error
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
