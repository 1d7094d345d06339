package service

import (
	"testing"
	"time"

	"github.com/devrev/weatherdb/internal/bus"
	"github.com/devrev/weatherdb/internal/config"
	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/metrics"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/store"
	"github.com/devrev/weatherdb/internal/util/pending"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Hash placements on three nodes:
//
//	01-01-2020 -> 2 (probe order 0, 1)
//	02-01-2020 -> 1 (probe order 2, 0)
//	06-01-2020 -> 0
//	15-03-2021 -> 1
const (
	dateOnTwo  = "01-01-2020"
	dateOnOne  = "02-01-2020"
	dateOnZero = "06-01-2020"
	unplaced   = "15-03-2021"
)

func testConfig(n int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cluster.Nodes = n
	cfg.Manager.HeartbeatInterval = time.Hour
	cfg.Admin.Enabled = false
	return cfg
}

// newBareManager builds a manager whose loop is not running. Tests call
// loop-owned methods directly and use drain to run posted work.
func newBareManager(t *testing.T, n int) (*Manager, *bus.MemoryBus, *pending.ManualScheduler) {
	t.Helper()
	b := bus.NewMemoryBus(1024)
	sched := pending.NewManualScheduler()
	m := NewManager(testConfig(n), b, store.NewMemoryFileRegistry(),
		metrics.NewManagerMetrics(prometheus.NewRegistry()), zap.NewNop(), WithScheduler(sched))
	t.Cleanup(func() { _ = m.loader.Stop(time.Second) })
	return m, b, sched
}

func drain(m *Manager) {
	for {
		select {
		case f := <-m.events:
			f()
		default:
			return
		}
	}
}

func record(date, key, value string) model.Record {
	return model.Record{Date: date, Fields: map[string]string{key: value}}
}

func requestsOf(t *testing.T, b *bus.MemoryBus, queue string) []model.StorageRequest {
	t.Helper()
	var out []model.StorageRequest
	for _, msg := range b.Drain(queue) {
		var req model.StorageRequest
		require.NoError(t, msg.Decode(&req))
		out = append(out, req)
	}
	return out
}

func TestIngestBatch_PrimaryAndReplica(t *testing.T) {
	m, b, _ := newBareManager(t, 3)

	routed := m.ingestBatch([]model.Record{
		record(dateOnOne, "temp", "1"),
		record(dateOnOne, "temp", "2"),
		record(dateOnTwo, "temp", "3"),
	})
	assert.Equal(t, 3, routed)

	assert.Equal(t, model.Placement{Primary: 1, Replica: 2}, m.placement[dateOnOne])
	assert.Equal(t, model.Placement{Primary: 2, Replica: 0}, m.placement[dateOnTwo])

	assert.Equal(t, 1, b.Len(model.StorageQueue(0)))
	assert.Equal(t, 2, b.Len(model.StorageQueue(1)))
	assert.Equal(t, 3, b.Len(model.StorageQueue(2)))
}

func TestIngestBatch_ReplicaIgnoresHealth(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.markDead(2)

	m.ingestBatch([]model.Record{record(dateOnOne, "temp", "1")})

	// replica stays primary+1 even though node 2 is dead
	assert.Equal(t, model.Placement{Primary: 1, Replica: 2}, m.placement[dateOnOne])
	assert.Equal(t, 1, b.Len(model.StorageQueue(2)))
}

func TestIngestBatch_ProbesPastDeadPrimary(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.markDead(2)

	m.ingestBatch([]model.Record{record(dateOnTwo, "temp", "1")})
	assert.Equal(t, model.Placement{Primary: 0, Replica: 1}, m.placement[dateOnTwo])
}

func TestIngestBatch_SingleNodeSendsOnce(t *testing.T) {
	m, b, _ := newBareManager(t, 1)

	m.ingestBatch([]model.Record{record(dateOnOne, "temp", "1")})
	assert.Equal(t, model.Placement{Primary: 0, Replica: 0}, m.placement[dateOnOne])
	assert.Equal(t, 1, b.Len(model.StorageQueue(0)))
}

func TestIngestBatch_NoHealthyNodes(t *testing.T) {
	m, _, _ := newBareManager(t, 2)
	m.markDead(0)
	m.markDead(1)

	assert.Equal(t, 0, m.ingestBatch([]model.Record{record(dateOnOne, "temp", "1")}))
	assert.Empty(t, m.placement)
}

func TestRoute(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.placement[dateOnOne] = model.Placement{Primary: 1, Replica: 2}

	id, err := m.route(dateOnOne)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	m.markDead(1)
	id, err = m.route(dateOnOne)
	require.NoError(t, err)
	assert.Equal(t, 2, id, "falls back to the replica")

	m.markDead(2)
	_, err = m.route(dateOnOne)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoReplicas))
	assert.Equal(t, "no replicas available for "+dateOnOne, err.Error())
}

func TestRoute_RemapHint(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	// node 0 absorbed node 1; 15-03-2021 hashes to the pair (1, 2)
	m.remap[0] = []int{1}

	id, err := m.route(unplaced)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	// an unhealthy replacement is skipped in favor of the placement function
	m.markDead(0)
	id, err = m.route(unplaced)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestRoute_PlacementFunctionFallback(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.markDead(2)

	id, err := m.route(dateOnTwo)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestRoute_NoStorage(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	for i := 0; i < 3; i++ {
		m.markDead(i)
	}

	_, err := m.route(unplaced)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNoStorage))
	assert.Equal(t, "no storage available for "+unplaced, err.Error())
}

func TestRecovery_RelocatesFromSurvivor(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.ingestBatch([]model.Record{
		record(dateOnOne, "temp", "1"),
		record(dateOnOne, "temp", "2"),
		record(dateOnZero, "temp", "3"),
		record(dateOnTwo, "temp", "4"),
	})
	for i := 0; i < 3; i++ {
		b.Drain(model.StorageQueue(i))
	}

	var report model.RecoveryReport
	m.markDead(1)
	m.startRecovery(1, func(r model.RecoveryReport) { report = r })
	assert.True(t, m.recovering[1])

	// 02-01-2020 (1,2) sources from 2; 06-01-2020 (0,1) sources from 0
	dumps0 := requestsOf(t, b, model.StorageQueryQueue(0))
	dumps2 := requestsOf(t, b, model.StorageQueryQueue(2))
	require.Len(t, dumps0, 1)
	require.Len(t, dumps2, 1)
	assert.True(t, dumps2[0].GetAllData)

	_, ok := m.pending.Resolve(model.StorageResponse{
		CorrelationID: dumps2[0].CorrelationID,
		Dataset: map[string][]model.Record{
			dateOnOne: {record(dateOnOne, "temp", "1"), record(dateOnOne, "temp", "2")},
			dateOnTwo: {record(dateOnTwo, "temp", "4")},
		},
	})
	require.True(t, ok)
	assert.True(t, m.recovering[1], "still waiting for node 0")

	_, ok = m.pending.Resolve(model.StorageResponse{
		CorrelationID: dumps0[0].CorrelationID,
		Dataset: map[string][]model.Record{
			dateOnZero: {record(dateOnZero, "temp", "3")},
		},
	})
	require.True(t, ok)

	// closest healthy to 1 is 0 (lower id first), next healthy after 0 is 2
	assert.Equal(t, model.Placement{Primary: 0, Replica: 2}, m.placement[dateOnOne])
	assert.Equal(t, model.Placement{Primary: 0, Replica: 2}, m.placement[dateOnZero])
	assert.Equal(t, model.Placement{Primary: 2, Replica: 0}, m.placement[dateOnTwo], "unaffected")
	assert.Equal(t, []int{1}, m.remap[0])
	assert.False(t, m.recovering[1])

	// 3 records to the new primary and 3 to the new replica
	assert.Equal(t, 3, b.Len(model.StorageQueue(0)))
	assert.Equal(t, 3, b.Len(model.StorageQueue(2)))

	assert.True(t, report.Transferred)
	assert.Equal(t, 3, report.RecordsMoved)
	assert.ElementsMatch(t, []string{dateOnOne, dateOnZero}, report.Relocated)
	require.Len(t, m.reports, 1)
}

func TestRecovery_SkipsDatesChangedDuringDump(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.ingestBatch([]model.Record{
		record(dateOnOne, "temp", "1"),
		record(dateOnZero, "temp", "3"),
	})
	for i := 0; i < 3; i++ {
		b.Drain(model.StorageQueue(i))
	}

	var report model.RecoveryReport
	m.markDead(1)
	m.startRecovery(1, func(r model.RecoveryReport) { report = r })
	dumps0 := requestsOf(t, b, model.StorageQueryQueue(0))
	dumps2 := requestsOf(t, b, model.StorageQueryQueue(2))
	require.Len(t, dumps0, 1)
	require.Len(t, dumps2, 1)

	// while the dumps are in flight one date is dropped and one is re-placed
	delete(m.placement, dateOnOne)
	m.placement[dateOnZero] = model.Placement{Primary: 0, Replica: 2}

	_, ok := m.pending.Resolve(model.StorageResponse{
		CorrelationID: dumps2[0].CorrelationID,
		Dataset:       map[string][]model.Record{dateOnOne: {record(dateOnOne, "temp", "1")}},
	})
	require.True(t, ok)
	_, ok = m.pending.Resolve(model.StorageResponse{
		CorrelationID: dumps0[0].CorrelationID,
		Dataset:       map[string][]model.Record{dateOnZero: {record(dateOnZero, "temp", "3")}},
	})
	require.True(t, ok)

	assert.NotContains(t, m.placement, dateOnOne)
	assert.Equal(t, model.Placement{Primary: 0, Replica: 2}, m.placement[dateOnZero])
	assert.Zero(t, b.Len(model.StorageQueue(0)))
	assert.Zero(t, b.Len(model.StorageQueue(2)))
	assert.Empty(t, report.Relocated)
	assert.False(t, report.Transferred)
	assert.Empty(t, m.remap[0])
	assert.False(t, m.recovering[1])
}

func TestRecovery_DumpTimeoutAbandons(t *testing.T) {
	m, b, sched := newBareManager(t, 3)
	m.placement[dateOnOne] = model.Placement{Primary: 1, Replica: 2}

	var report *model.RecoveryReport
	m.markDead(1)
	m.startRecovery(1, func(r model.RecoveryReport) { report = &r })
	require.Len(t, requestsOf(t, b, model.StorageQueryQueue(2)), 1)

	sched.Advance(m.cfg.Manager.RecoveryTimeout)
	drain(m)

	require.NotNil(t, report)
	assert.False(t, report.Transferred)
	assert.Equal(t, []string{dateOnOne}, report.Abandoned)
	assert.Equal(t, model.Placement{Primary: 1, Replica: 2}, m.placement[dateOnOne], "placement unchanged")
	assert.Empty(t, m.remap)
	assert.False(t, m.recovering[1])
}

func TestRecovery_BothDeadDropsEntry(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.placement[dateOnOne] = model.Placement{Primary: 1, Replica: 2}
	m.placement[dateOnTwo] = model.Placement{Primary: 2, Replica: 0}

	var report *model.RecoveryReport
	m.markDead(1)
	m.markDead(2)
	m.startRecovery(2, func(r model.RecoveryReport) { report = &r })

	_, ok := m.placement[dateOnOne]
	assert.False(t, ok, "both nodes dead, entry dropped")

	// 01-01-2020 still has node 0
	dumps := requestsOf(t, b, model.StorageQueryQueue(0))
	require.Len(t, dumps, 1)
	_, resolved := m.pending.Resolve(model.StorageResponse{
		CorrelationID: dumps[0].CorrelationID,
		Dataset:       map[string][]model.Record{dateOnTwo: {record(dateOnTwo, "temp", "9")}},
	})
	require.True(t, resolved)

	require.NotNil(t, report)
	assert.Equal(t, []string{dateOnOne}, report.Lost)
	// only node 0 is healthy: it becomes primary and the replica falls back
	// to 1 without being sent data
	assert.Equal(t, model.Placement{Primary: 0, Replica: 1}, m.placement[dateOnTwo])
	assert.Equal(t, 1, b.Len(model.StorageQueue(0)))
	assert.Equal(t, 0, b.Len(model.StorageQueue(1)))
}

func TestRecovery_NothingAffected(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.placement[dateOnZero] = model.Placement{Primary: 0, Replica: 1}

	var report *model.RecoveryReport
	m.markDead(2)
	m.startRecovery(2, func(r model.RecoveryReport) { report = &r })

	require.NotNil(t, report, "completes immediately")
	assert.False(t, report.Transferred)
	assert.False(t, m.recovering[2])
}

func TestRecovery_RemapNotDuplicated(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.addRemap(0, 1)
	m.addRemap(0, 1)
	m.addRemap(0, 2)
	assert.Equal(t, []int{1, 2}, m.remap[0])
}

func TestHeartbeat_TimeoutStartsSingleRecovery(t *testing.T) {
	m, b, sched := newBareManager(t, 3)
	m.placement[dateOnOne] = model.Placement{Primary: 1, Replica: 2}

	m.heartbeatRound()
	for i := 0; i < 3; i++ {
		probes := requestsOf(t, b, model.StorageQueryQueue(i))
		require.Len(t, probes, 1)
		assert.True(t, probes[0].HealthCheck)
		if i != 1 {
			_, ok := m.pending.Resolve(model.StorageResponse{CorrelationID: probes[0].CorrelationID, Status: model.StatusAlive})
			require.True(t, ok)
		}
	}

	sched.Advance(m.cfg.Manager.HeartbeatTimeout)
	drain(m)

	assert.False(t, m.health[1])
	assert.True(t, m.recovering[1])
	dumps := requestsOf(t, b, model.StorageQueryQueue(2))
	require.Len(t, dumps, 1)

	// a second timeout while recovery is in flight starts nothing new
	m.health[1] = true
	m.heartbeatTimedOut(1)
	assert.False(t, m.health[1])
	assert.Empty(t, requestsOf(t, b, model.StorageQueryQueue(2)))
}

func TestHeartbeat_SkipsDeadAndOutstanding(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.markDead(2)

	m.heartbeatRound()
	m.heartbeatRound()

	assert.Len(t, requestsOf(t, b, model.StorageQueryQueue(0)), 1, "one probe while the first is outstanding")
	assert.Empty(t, requestsOf(t, b, model.StorageQueryQueue(2)))
}

func TestHeartbeat_ProbeDeadNodes(t *testing.T) {
	m, b, _ := newBareManager(t, 3)
	m.cfg.Manager.ProbeDeadNodes = true
	m.markDead(2)

	m.heartbeatRound()
	probes := requestsOf(t, b, model.StorageQueryQueue(2))
	require.Len(t, probes, 1)

	req, ok := m.pending.Resolve(model.StorageResponse{CorrelationID: probes[0].CorrelationID, Status: model.StatusAlive})
	require.True(t, ok)
	m.markHealthy(req.NodeID)
	assert.True(t, m.health[2])
}

func TestHeartbeat_TimeoutOnDeadNodeIsNoop(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.markDead(2)

	m.heartbeatTimedOut(2)
	assert.False(t, m.recovering[2])
	assert.Empty(t, m.reports)
}

func TestShutdownNode_AlreadyDead(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	m.markDead(1)

	var gotErr error
	m.shutdownNode(1, func(_ model.RecoveryReport, err error) { gotErr = err })
	assert.True(t, apperrors.Is(gotErr, apperrors.ErrCodeNodeUnavailable))
}

func TestSortedDates_Calendar(t *testing.T) {
	m, _, _ := newBareManager(t, 3)
	for _, d := range []string{"02-01-2020", "01-02-2019", "15-03-2021", "01-01-2020"} {
		m.placement[d] = model.Placement{}
	}
	assert.Equal(t, []string{"01-02-2019", "01-01-2020", "02-01-2020", "15-03-2021"}, m.sortedDates())
}
