package service

import (
	"context"
	"time"

	"github.com/devrev/weatherdb/internal/algorithm"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/pending"
	"go.uber.org/zap"
)

// heartbeatLoop posts a probe round every heartbeat interval, or sooner
// when TriggerHeartbeat is called
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		if !m.post(m.heartbeatRound) {
			return
		}
	}
}

// TriggerHeartbeat requests an immediate probe round
func (m *Manager) TriggerHeartbeat() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// heartbeatRound probes every healthy node, and dead ones too when
// probe_dead_nodes is set. A node with a probe still outstanding is skipped.
func (m *Manager) heartbeatRound() {
	now := time.Now()
	for id := 0; id < m.n; id++ {
		if !m.health[id] && !m.cfg.Manager.ProbeDeadNodes {
			continue
		}
		if m.pending.Outstanding(id, pending.KindHeartbeat) {
			continue
		}
		m.probe(id, now)
	}
	m.metrics.PendingRequests.Set(float64(m.pending.Len()))
}

func (m *Manager) probe(id int, now time.Time) {
	nodeID := id
	corr := m.pending.Register(nodeID, pending.KindHeartbeat, "", m.cfg.Manager.HeartbeatTimeout,
		nil, // the generic response path marks the node healthy
		func() { m.heartbeatTimedOut(nodeID) })

	m.lastProbe[nodeID] = now
	m.metrics.RecordHeartbeat(nodeID)
	m.publish(model.StorageQueryQueue(nodeID), model.StorageRequest{
		HealthCheck:   true,
		CorrelationID: corr,
	}, corr)
}

// heartbeatTimedOut marks a still-healthy node dead and starts its recovery.
// A timeout on a node that is already dead changes nothing.
func (m *Manager) heartbeatTimedOut(id int) {
	m.metrics.RecordHeartbeatTimeout(id)
	m.metrics.PendingRequests.Set(float64(m.pending.Len()))

	if !m.health[id] {
		return
	}

	m.logger.Warn("Storage node missed heartbeat",
		zap.Int("node_id", id),
		zap.Duration("timeout", m.cfg.Manager.HeartbeatTimeout))
	m.markDead(id)

	if m.recovering[id] {
		m.logger.Info("Recovery already in flight", zap.Int("node_id", id))
		return
	}
	m.startRecovery(id, nil)
}

// markHealthy records a sign of life from a node
func (m *Manager) markHealthy(id int) {
	if id < 0 || id >= m.n {
		return
	}
	m.lastHealthy[id] = time.Now()
	if m.health[id] {
		return
	}

	m.health[id] = true
	m.metrics.RecordTransition(id, string(model.NodeStatusHealthy))
	m.metrics.HealthyNodes.Set(float64(algorithm.HealthyCount(m.health)))
	m.logger.Info("Storage node recovered", zap.Int("node_id", id))
}

func (m *Manager) markDead(id int) {
	if !m.health[id] {
		return
	}

	m.health[id] = false
	m.metrics.RecordTransition(id, string(model.NodeStatusDead))
	m.metrics.HealthyNodes.Set(float64(algorithm.HealthyCount(m.health)))
	m.logger.Warn("Storage node marked dead",
		zap.Int("node_id", id),
		zap.Int("healthy_nodes", algorithm.HealthyCount(m.health)))
}
