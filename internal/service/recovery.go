package service

import (
	"sort"
	"time"

	"github.com/devrev/weatherdb/internal/algorithm"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/pending"
	"go.uber.org/zap"
)

// recovery tracks one run of the recovery protocol for a failed node
type recovery struct {
	report      model.RecoveryReport
	outstanding int
	onDone      func(model.RecoveryReport)
}

// startRecovery relocates every date backed by failed. Dates are grouped by
// their surviving source so each source receives one dump request. onDone,
// if set, runs on the loop once every dump has resolved.
//
// Recovery is best effort: a dump that times out abandons its dates and
// leaves their placement unchanged, and nothing is rolled back.
func (m *Manager) startRecovery(failed int, onDone func(model.RecoveryReport)) {
	m.recovering[failed] = true
	rec := &recovery{
		report: model.RecoveryReport{
			FailedNode: failed,
			StartedAt:  time.Now(),
		},
		onDone: onDone,
	}

	m.logger.Info("Starting recovery",
		zap.Int("failed_node", failed),
		zap.Int("placement_entries", len(m.placement)))

	groups := make(map[int][]string)
	for _, date := range m.sortedDates() {
		p := m.placement[date]

		if !m.health[p.Primary] && !m.health[p.Replica] {
			delete(m.placement, date)
			rec.report.Lost = append(rec.report.Lost, date)
			m.logger.Error("Both nodes backing date are dead, data lost",
				zap.String("date", date),
				zap.Int("primary", p.Primary),
				zap.Int("replica", p.Replica))
			continue
		}
		if !p.Contains(failed) {
			continue
		}

		source := p.Sibling(failed)
		groups[source] = append(groups[source], date)
	}

	sources := make([]int, 0, len(groups))
	for source := range groups {
		sources = append(sources, source)
	}
	sort.Ints(sources)

	for _, source := range sources {
		m.requestDump(rec, source, groups[source])
	}

	m.metrics.PlacementSize.Set(float64(len(m.placement)))
	if rec.outstanding == 0 {
		m.finishRecovery(rec)
	}
}

// requestDump asks source for its whole dataset and relocates dates when
// it arrives
func (m *Manager) requestDump(rec *recovery, source int, dates []string) {
	failed := rec.report.FailedNode
	rec.outstanding++

	corr := m.pending.Register(source, pending.KindDump, "", m.cfg.Manager.RecoveryTimeout,
		func(resp model.StorageResponse) {
			m.relocate(rec, source, dates, resp.Dataset)
			m.dumpResolved(rec)
		},
		func() {
			rec.report.Abandoned = append(rec.report.Abandoned, dates...)
			m.logger.Warn("Recovery dump timed out, abandoning dates",
				zap.Int("failed_node", failed),
				zap.Int("source", source),
				zap.Strings("dates", dates),
				zap.Duration("timeout", m.cfg.Manager.RecoveryTimeout))
			m.dumpResolved(rec)
		})

	m.logger.Debug("Requesting dump from source",
		zap.Int("failed_node", failed),
		zap.Int("source", source),
		zap.Int("dates", len(dates)))

	m.publish(model.StorageQueryQueue(source), model.StorageRequest{
		GetAllData:    true,
		CorrelationID: corr,
	}, corr)
	m.metrics.PendingRequests.Set(float64(m.pending.Len()))
}

// relocate moves each date's records to a new pair chosen on current health
func (m *Manager) relocate(rec *recovery, source int, dates []string, dataset map[string][]model.Record) {
	failed := rec.report.FailedNode

	for _, date := range dates {
		// the entry may have been dropped or re-placed while the dump was in flight
		if p, ok := m.placement[date]; !ok || !p.Contains(failed) {
			m.logger.Info("Skipping relocation of changed date",
				zap.String("date", date),
				zap.Int("failed_node", failed),
				zap.Bool("placed", ok))
			continue
		}

		newPrimary, ok := algorithm.ClosestHealthy(failed, m.health)
		if !ok {
			rec.report.Abandoned = append(rec.report.Abandoned, date)
			m.logger.Error("No healthy node to relocate date",
				zap.String("date", date),
				zap.Int("failed_node", failed))
			continue
		}
		newReplica, replicaOK := algorithm.NextHealthy(newPrimary, m.health, newPrimary)
		if !replicaOK {
			newReplica = algorithm.ReplicaOf(newPrimary, m.n)
		}

		records := dataset[date]
		for _, r := range records {
			m.publish(model.StorageQueue(newPrimary), r, "")
			if replicaOK && newReplica != newPrimary {
				m.publish(model.StorageQueue(newReplica), r, "")
			}
		}

		m.placement[date] = model.Placement{Primary: newPrimary, Replica: newReplica}
		m.addRemap(newPrimary, failed)

		rec.report.Relocated = append(rec.report.Relocated, date)
		rec.report.RecordsMoved += len(records)
		if len(records) > 0 {
			rec.report.Transferred = true
		}

		m.logger.Debug("Date relocated",
			zap.String("date", date),
			zap.Int("source", source),
			zap.Int("primary", newPrimary),
			zap.Int("replica", newReplica),
			zap.Int("records", len(records)))
	}
	m.metrics.PlacementSize.Set(float64(len(m.placement)))
}

func (m *Manager) dumpResolved(rec *recovery) {
	rec.outstanding--
	if rec.outstanding == 0 {
		m.finishRecovery(rec)
	}
}

func (m *Manager) finishRecovery(rec *recovery) {
	failed := rec.report.FailedNode
	delete(m.recovering, failed)

	rec.report.CompletedAt = time.Now()
	m.reports = append(m.reports, rec.report)
	if len(m.reports) > maxReports {
		m.reports = m.reports[len(m.reports)-maxReports:]
	}

	m.metrics.RecordRecovery(rec.report.Transferred, rec.report.RecordsMoved, len(rec.report.Lost),
		rec.report.CompletedAt.Sub(rec.report.StartedAt).Seconds())

	m.logger.Info("Recovery finished",
		zap.Int("failed_node", failed),
		zap.Bool("transferred", rec.report.Transferred),
		zap.Int("relocated", len(rec.report.Relocated)),
		zap.Int("records", rec.report.RecordsMoved),
		zap.Int("lost", len(rec.report.Lost)),
		zap.Int("abandoned", len(rec.report.Abandoned)))

	if rec.onDone != nil {
		rec.onDone(rec.report)
	}
}

// addRemap records that replacement absorbed failed's dates
func (m *Manager) addRemap(replacement, failed int) {
	for _, id := range m.remap[replacement] {
		if id == failed {
			return
		}
	}
	m.remap[replacement] = append(m.remap[replacement], failed)
}
