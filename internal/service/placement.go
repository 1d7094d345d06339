package service

import (
	"github.com/devrev/weatherdb/internal/algorithm"
	"github.com/devrev/weatherdb/internal/model"
	"go.uber.org/zap"
)

// ingestBatch routes records to their primary and replica and records the
// pair in the placement table. Sends are fire-and-forget.
func (m *Manager) ingestBatch(records []model.Record) (routed int) {
	for _, rec := range records {
		primary, err := algorithm.Place(rec.Date, m.health)
		if err != nil {
			m.metrics.RecordIngest("dropped")
			m.logger.Warn("Dropping record, no healthy storage node",
				zap.String("date", rec.Date),
				zap.Error(err))
			continue
		}
		replica := algorithm.ReplicaOf(primary, m.n)

		m.publish(model.StorageQueue(primary), rec, "")
		if replica != primary {
			m.publish(model.StorageQueue(replica), rec, "")
		}

		m.placement[rec.Date] = model.Placement{Primary: primary, Replica: replica}
		m.metrics.RecordIngest("routed")
		routed++
	}
	m.metrics.PlacementSize.Set(float64(len(m.placement)))
	return routed
}
