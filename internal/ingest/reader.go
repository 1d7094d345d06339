package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/devrev/weatherdb/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result counts what happened to a file's rows
type Result struct {
	File    string `json:"file"`
	Format  string `json:"format"`
	Rows    int    `json:"rows"`
	Records int    `json:"records"`
	Dropped int    `json:"dropped"`
}

// Reader streams a CSV dataset into records
type Reader struct {
	format    string
	limiter   *rate.Limiter
	batchSize int
	logger    *zap.Logger
}

// NewReader creates a reader for format. A nil limiter disables throttling.
func NewReader(format string, limiter *rate.Limiter, batchSize int, logger *zap.Logger) (*Reader, error) {
	if !IsKnownFormat(format) {
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{format: format, limiter: limiter, batchSize: batchSize, logger: logger}, nil
}

// Read parses r and hands records to emit in batches, in file order. Rows
// that fail extraction are logged and dropped.
func (rd *Reader) Read(ctx context.Context, r io.Reader, emit func([]model.Record) error) (Result, error) {
	res := Result{Format: rd.format}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		return res, fmt.Errorf("failed to read header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	batch := make([]model.Record, 0, rd.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
			return err
		}
		batch = make([]model.Record, 0, rd.batchSize)
		return nil
	}

	for {
		values, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read row %d: %w", res.Rows+1, err)
		}
		res.Rows++

		row := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}

		rec, err := Extract(row, rd.format)
		if err != nil {
			res.Dropped++
			rd.logger.Warn("Dropping row",
				zap.String("format", rd.format),
				zap.Int("row", res.Rows),
				zap.Error(err))
			continue
		}

		if err := rd.limiter.Wait(ctx); err != nil {
			return res, err
		}

		batch = append(batch, rec)
		res.Records++
		if len(batch) >= rd.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}
