package service

import (
	"context"
	"errors"
	"sync"

	"github.com/devrev/weatherdb/internal/bus"
	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/metrics"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StorageService is a storage node: an in-memory record store driven by
// messages on its ingest and query queues. Both queues feed one loop, so
// messages are handled one at a time.
type StorageService struct {
	nodeID  int
	bus     bus.Bus
	store   store.RecordStore
	metrics *metrics.StorageMetrics
	logger  *zap.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewStorageService creates storage node nodeID
func NewStorageService(
	nodeID int,
	b bus.Bus,
	s store.RecordStore,
	m *metrics.StorageMetrics,
	logger *zap.Logger,
) *StorageService {
	return &StorageService{
		nodeID:   nodeID,
		bus:      b,
		store:    s,
		metrics:  m,
		logger:   logger.With(zap.Int("node_id", nodeID)),
		shutdown: make(chan struct{}),
	}
}

type inbound struct {
	query bool
	msg   bus.Message
}

// Run serves the node's queues until ctx is canceled or a shutdown message
// arrives
func (s *StorageService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan inbound)
	forward := func(query bool) bus.Handler {
		return func(ctx context.Context, msg bus.Message) {
			select {
			case inbox <- inbound{query: query, msg: msg}:
			case <-ctx.Done():
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.bus.Consume(gctx, model.StorageQueue(s.nodeID), forward(false))
	})
	g.Go(func() error {
		return s.bus.Consume(gctx, model.StorageQueryQueue(s.nodeID), forward(true))
	})
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			case in := <-inbox:
				if in.query {
					s.handleRequest(gctx, in.msg)
				} else {
					s.handleIngest(in.msg)
				}
			}
		}
	})

	s.logger.Info("Storage node started")
	err := g.Wait()
	s.logger.Info("Storage node stopped")
	return err
}

// Done is closed when the node receives a shutdown message
func (s *StorageService) Done() <-chan struct{} {
	return s.shutdown
}

// Stats returns the store's size
func (s *StorageService) Stats() store.Stats {
	return s.store.Stats()
}

// NodeID returns the node's id
func (s *StorageService) NodeID() int {
	return s.nodeID
}

func (s *StorageService) handleIngest(msg bus.Message) {
	s.metrics.RecordMessage("ingest")

	var rec model.Record
	if err := msg.Decode(&rec); err != nil {
		s.logger.Warn("Dropping malformed record", zap.Error(err))
		return
	}
	date, err := model.CanonicalDate(rec.Date)
	if err != nil {
		s.logger.Warn("Dropping record with invalid date", zap.String("date", rec.Date), zap.Error(err))
		return
	}
	rec.Date = date

	if !s.store.Append(rec) {
		s.metrics.DuplicatesSkipped.Inc()
		return
	}
	s.updateSize()
}

func (s *StorageService) handleRequest(ctx context.Context, msg bus.Message) {
	var req model.StorageRequest
	if err := msg.Decode(&req); err != nil {
		s.logger.Warn("Dropping malformed request", zap.Error(err))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = msg.CorrelationID
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = model.ManagerResponseQueue
	}

	kind := req.Kind()
	s.metrics.RecordMessage(string(kind))

	switch kind {
	case model.RequestKindHealthCheck:
		s.respond(ctx, replyTo, model.StorageResponse{Status: model.StatusAlive, CorrelationID: req.CorrelationID})

	case model.RequestKindQuery:
		s.respond(ctx, replyTo, s.query(req))

	case model.RequestKindDump:
		dataset := s.store.Dump()
		s.logger.Debug("Serving dump", zap.Int("dates", len(dataset)))
		s.respond(ctx, replyTo, model.StorageResponse{CorrelationID: req.CorrelationID, Dataset: dataset})

	case model.RequestKindForward:
		if req.Target == nil {
			s.logger.Warn("Forward request without target")
			return
		}
		sent := s.forward(ctx, *req.Target)
		if req.CorrelationID != "" {
			transferred := sent > 0
			s.respond(ctx, replyTo, model.StorageResponse{CorrelationID: req.CorrelationID, Transferred: &transferred})
		}

	case model.RequestKindClear:
		date, err := model.CanonicalDate(req.Date)
		if err != nil {
			s.logger.Warn("Clear request with invalid date", zap.String("date", req.Date))
			return
		}
		removed := s.store.Delete(date)
		s.updateSize()
		s.logger.Info("Cleared replica data", zap.String("date", date), zap.Int("records", removed))
		if req.CorrelationID != "" {
			s.respond(ctx, replyTo, model.StorageResponse{CorrelationID: req.CorrelationID, Status: "cleared", Date: date})
		}

	case model.RequestKindShutdown:
		s.logger.Warn("Shutdown requested")
		s.shutdownOnce.Do(func() { close(s.shutdown) })

	default:
		s.logger.Warn("Unknown request", zap.ByteString("body", msg.Body))
	}
}

// query answers a point query with the date's records or a not-found error
func (s *StorageService) query(req model.StorageRequest) model.StorageResponse {
	resp := model.StorageResponse{CorrelationID: req.CorrelationID}

	date, err := model.CanonicalDate(req.Date)
	if err != nil {
		resp.Error = apperrors.InvalidDate(req.Date, err).Error()
		return resp
	}
	resp.Date = date

	records, err := s.store.Get(date)
	if errors.Is(err, store.ErrNotFound) {
		resp.Error = apperrors.NotFound(date).Error()
		return resp
	}
	resp.Records = records
	return resp
}

// forward pushes every record to target's ingest queue
func (s *StorageService) forward(ctx context.Context, target int) int {
	sent := 0
	for _, records := range s.store.Dump() {
		for _, rec := range records {
			if err := bus.Publish(ctx, s.bus, model.StorageQueue(target), rec); err != nil {
				s.logger.Warn("Failed to forward record", zap.Int("target", target), zap.Error(err))
				continue
			}
			sent++
		}
	}
	s.metrics.RecordsForwarded.Add(float64(sent))
	s.logger.Info("Forwarded records", zap.Int("target", target), zap.Int("records", sent))
	return sent
}

func (s *StorageService) respond(ctx context.Context, replyTo string, resp model.StorageResponse) {
	resp.StorageID = s.nodeID
	msg, err := bus.NewMessage(replyTo, resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	msg.CorrelationID = resp.CorrelationID
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.logger.Warn("Failed to send response", zap.String("queue", replyTo), zap.Error(err))
	}
}

func (s *StorageService) updateSize() {
	stats := s.store.Stats()
	s.metrics.UpdateStoreSize(stats.Dates, stats.Records)
}
