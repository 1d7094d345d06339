package service

import (
	"sort"

	"github.com/devrev/weatherdb/internal/algorithm"
	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/pending"
	"go.uber.org/zap"
)

// route picks the node that should answer a query for date:
//  1. the first healthy node of its placement entry
//  2. without an entry, a healthy replacement that absorbed the date's
//     original pair
//  3. the partitioning function on current health
//
// A placement entry with both nodes dead is an error and does not fall
// through to the later steps.
func (m *Manager) route(date string) (int, error) {
	if p, ok := m.placement[date]; ok {
		if m.health[p.Primary] {
			return p.Primary, nil
		}
		if m.health[p.Replica] {
			return p.Replica, nil
		}
		return 0, apperrors.NoReplicas(date, p.Primary, p.Replica)
	}

	if id, ok := m.remapHint(date); ok {
		return id, nil
	}

	id, err := algorithm.Place(date, m.health)
	if err != nil {
		return 0, apperrors.NoStorage(date)
	}
	return id, nil
}

// remapHint scans replacements in id order for one that absorbed either node
// of the date's hash-derived pair. The remap table is never pruned, so this
// is a hint, not an index.
func (m *Manager) remapHint(date string) (int, bool) {
	primary, replica := algorithm.Pair(date, m.n)

	ids := make([]int, 0, len(m.remap))
	for id := range m.remap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if !m.health[id] {
			continue
		}
		for _, failed := range m.remap[id] {
			if failed == primary || failed == replica {
				return id, true
			}
		}
	}
	return 0, false
}

// query routes one GET and relays the node's answer to the client. A node
// that does not answer within the query timeout produces an error reply.
func (m *Manager) query(date string) {
	target, err := m.route(date)
	if err != nil {
		m.metrics.RecordQuery("unroutable")
		m.logger.Info("Query not routable", zap.String("date", date), zap.Error(err))
		m.replyError(err)
		return
	}

	corr := m.pending.Register(target, pending.KindQuery, date, m.cfg.Manager.QueryTimeout,
		func(resp model.StorageResponse) {
			if resp.Error != "" {
				m.metrics.RecordQuery("not_found")
				m.reply(model.ClientReply{Error: resp.Error})
				return
			}
			m.metrics.RecordQuery("ok")
			m.replyData(date, resp.Records)
		},
		func() {
			m.metrics.RecordQuery("timeout")
			m.logger.Warn("Query timed out", zap.String("date", date), zap.Int("node_id", target))
			m.replyError(apperrors.Timeout(target, "query for "+date))
		})

	m.logger.Debug("Routing query", zap.String("date", date), zap.Int("node_id", target))
	m.publish(model.StorageQueryQueue(target), model.StorageRequest{
		Date:          date,
		CorrelationID: corr,
	}, corr)
	m.metrics.PendingRequests.Set(float64(m.pending.Len()))
}
