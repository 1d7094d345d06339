package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Loader parses LOAD files in the background. All files share one rate
// limiter, so concurrent loads are throttled together.
type Loader struct {
	pool      *workerpool.Pool
	limiter   *rate.Limiter
	batchSize int
	logger    *zap.Logger
}

// NewLoader starts the loader's worker pool
func NewLoader(cfg config.IngestConfig, logger *zap.Logger) *Loader {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Loader{
		pool: workerpool.New(workerpool.Config{
			Name:      "ingest",
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
		}),
		limiter:   rate.NewLimiter(limit, burst),
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Submit queues file for parsing. emit receives record batches and done the
// final result; both run on a worker goroutine. done is always called once
// the job starts.
func (l *Loader) Submit(file, format string, emit func([]model.Record) error, done func(Result, error)) error {
	reader, err := NewReader(format, l.limiter, l.batchSize, l.logger)
	if err != nil {
		return err
	}

	return l.pool.Submit(workerpool.Job{
		Name: file,
		Run: func(ctx context.Context) error {
			res, err := l.readFile(ctx, reader, file, emit)
			done(res, err)
			return err
		},
	})
}

func (l *Loader) readFile(ctx context.Context, reader *Reader, file string, emit func([]model.Record) error) (Result, error) {
	f, err := os.Open(file)
	if err != nil {
		return Result{File: file}, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	start := time.Now()
	res, err := reader.Read(ctx, f, emit)
	res.File = file

	l.logger.Info("File parsed",
		zap.String("file", file),
		zap.String("format", res.Format),
		zap.Int("rows", res.Rows),
		zap.Int("records", res.Records),
		zap.Int("dropped", res.Dropped),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))

	return res, err
}

// Stats exposes the worker pool counters
func (l *Loader) Stats() workerpool.Stats {
	return l.pool.Stats()
}

// Stop cancels in-flight loads
func (l *Loader) Stop(timeout time.Duration) error {
	return l.pool.Stop(timeout)
}
