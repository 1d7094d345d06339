package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/config"
	"github.com/devrev/weatherdb/internal/ingest"
	"github.com/devrev/weatherdb/internal/metrics"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/store"
	"github.com/devrev/weatherdb/internal/util/pending"
	"github.com/devrev/weatherdb/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrManagerStopped is returned when work is posted after the loop exited
var ErrManagerStopped = errors.New("manager is stopped")

// maxReports bounds the recovery history kept for the admin API
const maxReports = 32

// Manager partitions records across storage nodes, monitors their health
// and relocates data away from failed nodes.
//
// Every table below is owned by the event loop in run. Bus consumers, timers
// and ingest workers never touch them directly; they post closures onto
// events instead.
type Manager struct {
	cfg     *config.Config
	n       int
	bus     bus.Bus
	files   store.FileRegistry
	loader  *ingest.Loader
	metrics *metrics.ManagerMetrics
	logger  *zap.Logger
	sched   pending.Scheduler

	events  chan func()
	stopped chan struct{}
	trigger chan struct{}
	runCtx  context.Context

	// loop-owned state
	placement   map[string]model.Placement
	remap       map[int][]int
	health      []bool
	lastHealthy []time.Time
	lastProbe   []time.Time
	recovering  map[int]bool
	pending     *pending.Registry
	reports     []model.RecoveryReport
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithScheduler replaces the wall clock used for request timeouts
func WithScheduler(s pending.Scheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// NewManager creates a manager for cfg.Cluster.Nodes storage nodes, all
// initially assumed healthy
func NewManager(
	cfg *config.Config,
	b bus.Bus,
	files store.FileRegistry,
	m *metrics.ManagerMetrics,
	logger *zap.Logger,
	opts ...ManagerOption,
) *Manager {
	n := cfg.Cluster.Nodes
	mgr := &Manager{
		cfg:         cfg,
		n:           n,
		bus:         b,
		files:       files,
		loader:      ingest.NewLoader(cfg.Ingest, logger),
		metrics:     m,
		logger:      logger,
		sched:       pending.ClockScheduler(),
		events:      make(chan func(), cfg.Manager.EventBuffer),
		stopped:     make(chan struct{}),
		trigger:     make(chan struct{}, 1),
		runCtx:      context.Background(),
		placement:   make(map[string]model.Placement),
		remap:       make(map[int][]int),
		health:      make([]bool, n),
		lastHealthy: make([]time.Time, n),
		lastProbe:   make([]time.Time, n),
		recovering:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	now := time.Now()
	for i := range mgr.health {
		mgr.health[i] = true
		mgr.lastHealthy[i] = now
	}
	mgr.pending = pending.NewRegistry(mgr.sched, func(f func()) { mgr.post(f) })
	mgr.metrics.HealthyNodes.Set(float64(n))

	return mgr
}

// Run consumes the manager queues, drives heartbeats and runs the event
// loop until ctx is canceled
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	m.logger.Info("Manager started",
		zap.Int("nodes", m.n),
		zap.Duration("heartbeat_interval", m.cfg.Manager.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", m.cfg.Manager.HeartbeatTimeout),
		zap.Bool("probe_dead_nodes", m.cfg.Manager.ProbeDeadNodes))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.bus.Consume(gctx, model.ManagerQueue, m.handleCommand)
	})
	g.Go(func() error {
		return m.bus.Consume(gctx, model.ManagerResponseQueue, m.handleResponse)
	})
	g.Go(func() error {
		m.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		m.loop(gctx)
		return nil
	})

	err := g.Wait()
	if stopErr := m.loader.Stop(5 * time.Second); stopErr != nil {
		m.logger.Warn("Ingest workers did not stop cleanly", zap.Error(stopErr))
	}
	m.logger.Info("Manager stopped")
	return err
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			ev()
		}
	}
}

// post queues f to run on the event loop. It reports false once the loop
// has exited.
func (m *Manager) post(f func()) bool {
	select {
	case <-m.stopped:
		return false
	default:
	}

	select {
	case m.events <- f:
		return true
	case <-m.stopped:
		return false
	}
}

// Do runs f on the event loop and waits for it to finish
func (m *Manager) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if !m.post(func() {
		defer close(done)
		f()
	}) {
		return ErrManagerStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrManagerStopped
	}
}

// publish sends v on queue, logging failures. Delivery is fire-and-forget.
func (m *Manager) publish(queue string, v interface{}, correlationID string) bool {
	msg, err := bus.NewMessage(queue, v)
	if err != nil {
		m.logger.Error("Failed to encode message", zap.String("queue", queue), zap.Error(err))
		return false
	}
	if correlationID != "" {
		msg = msg.WithReply(correlationID, model.ManagerResponseQueue)
	}
	if err := m.bus.Publish(m.runCtx, msg); err != nil {
		m.logger.Warn("Failed to publish message",
			zap.String("queue", queue),
			zap.Error(err))
		return false
	}
	return true
}

// reply sends an answer to the client queue
func (m *Manager) reply(r model.ClientReply) {
	m.publish(model.ClientQueue, r, "")
}

func (m *Manager) replyError(err error) {
	m.reply(model.NewErrorReply(err))
}

func (m *Manager) replyData(date string, v interface{}) {
	r, err := model.NewDataReply(date, v)
	if err != nil {
		m.replyError(err)
		return
	}
	m.reply(r)
}

// handleResponse decodes a storage node response on the consumer goroutine
// and resolves its pending entry on the loop
func (m *Manager) handleResponse(ctx context.Context, msg bus.Message) {
	var resp model.StorageResponse
	if err := msg.Decode(&resp); err != nil {
		m.logger.Warn("Dropping malformed storage response", zap.Error(err))
		return
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = msg.CorrelationID
	}

	m.post(func() {
		req, ok := m.pending.Resolve(resp)
		if !ok {
			m.logger.Debug("Ignoring response with unknown correlation id",
				zap.String("correlation_id", resp.CorrelationID),
				zap.Int("storage_id", resp.StorageID))
			return
		}
		m.markHealthy(req.NodeID)
		m.metrics.PendingRequests.Set(float64(m.pending.Len()))
	})
}

// ClusterState is a consistent snapshot of the manager's tables
type ClusterState struct {
	Nodes      []model.NodeHealth         `json:"nodes"`
	Placement  map[string]model.Placement `json:"placement"`
	Remap      map[int][]int              `json:"remap"`
	Pending    int                        `json:"pending"`
	Recoveries []model.RecoveryReport     `json:"recoveries"`
	Ingest     workerpool.Stats           `json:"ingest"`
}

// Snapshot copies the manager's tables from the loop
func (m *Manager) Snapshot(ctx context.Context) (ClusterState, error) {
	var state ClusterState
	err := m.Do(ctx, func() {
		state = m.snapshot()
	})
	return state, err
}

func (m *Manager) snapshot() ClusterState {
	state := ClusterState{
		Nodes:      m.nodeHealth(),
		Placement:  make(map[string]model.Placement, len(m.placement)),
		Remap:      make(map[int][]int, len(m.remap)),
		Pending:    m.pending.Len(),
		Recoveries: append([]model.RecoveryReport(nil), m.reports...),
		Ingest:     m.loader.Stats(),
	}
	for date, p := range m.placement {
		state.Placement[date] = p
	}
	for id, failed := range m.remap {
		state.Remap[id] = append([]int(nil), failed...)
	}
	return state
}

func (m *Manager) nodeHealth() []model.NodeHealth {
	nodes := make([]model.NodeHealth, m.n)
	for i := 0; i < m.n; i++ {
		status := model.NodeStatusHealthy
		if !m.health[i] {
			status = model.NodeStatusDead
		}
		nodes[i] = model.NodeHealth{
			NodeID:      i,
			Status:      status,
			Recovering:  m.recovering[i],
			LastHealthy: m.lastHealthy[i],
			LastProbe:   m.lastProbe[i],
			Absorbed:    append([]int(nil), m.remap[i]...),
		}
	}
	return nodes
}

// Nodes returns the cluster size
func (m *Manager) Nodes() int {
	return m.n
}

// sortedDates returns placement keys in calendar order
func (m *Manager) sortedDates() []string {
	dates := make([]string, 0, len(m.placement))
	for date := range m.placement {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool {
		ti, erri := time.Parse(model.CanonicalDateLayout, dates[i])
		tj, errj := time.Parse(model.CanonicalDateLayout, dates[j])
		if erri != nil || errj != nil || ti.Equal(tj) {
			return dates[i] < dates[j]
		}
		return ti.Before(tj)
	})
	return dates
}
