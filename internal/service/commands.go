package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/devrev/weatherdb/internal/bus"
	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/ingest"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/pending"
	"go.uber.org/zap"
)

// handleCommand runs on the manager queue consumer. LOAD is validated and
// handed to the ingest workers here; GET and SHUTDOWN continue on the loop.
func (m *Manager) handleCommand(ctx context.Context, msg bus.Message) {
	var cmd model.Command
	if err := msg.Decode(&cmd); err != nil {
		m.logger.Warn("Malformed command", zap.Error(err))
		m.replyError(apperrors.InvalidCommand("malformed command"))
		return
	}

	switch strings.ToUpper(cmd.Command) {
	case model.CommandLoad:
		if err := m.Load(ctx, cmd.File, cmd.Format); err != nil {
			m.replyError(err)
		}
	case model.CommandGet:
		date, err := model.CanonicalDate(cmd.Date)
		if err != nil {
			m.replyError(apperrors.InvalidDate(cmd.Date, err))
			return
		}
		m.post(func() { m.query(date) })
	case model.CommandShutdown:
		if cmd.StorageID == nil {
			m.replyError(apperrors.InvalidCommand("SHUTDOWN requires storageId"))
			return
		}
		id := *cmd.StorageID
		if id < 0 || id >= m.n {
			m.replyError(apperrors.UnknownNode(id, m.n))
			return
		}
		m.post(func() {
			m.shutdownNode(id, func(report model.RecoveryReport, err error) {
				if err != nil {
					m.replyError(err)
					return
				}
				m.replyData("", shutdownMessage(report))
			})
		})
	default:
		m.logger.Warn("Unknown command", zap.String("command", cmd.Command))
		m.replyError(apperrors.InvalidCommand(fmt.Sprintf("unknown command %q", cmd.Command)))
	}
}

func shutdownMessage(report model.RecoveryReport) string {
	return fmt.Sprintf("storage node %d shut down, data transferred: %t", report.FailedNode, report.Transferred)
}

// Load starts ingesting file. It returns an error for requests rejected up
// front; the outcome of the load itself is reported to the client queue.
// A file is loaded at most once; a load that fails to read the file is
// forgotten so it can be retried.
func (m *Manager) Load(ctx context.Context, file, format string) error {
	if strings.TrimSpace(file) == "" {
		return apperrors.InvalidCommand("LOAD requires a file")
	}
	if abs, err := filepath.Abs(file); err == nil {
		file = abs
	}
	file = filepath.Clean(file)

	if format == "" {
		format = ingest.DetectFormat(file)
	}
	if !ingest.IsKnownFormat(format) {
		return apperrors.UnknownFormat(file, format)
	}

	added, err := m.files.Add(ctx, file)
	if err != nil {
		return apperrors.Internal("failed to check loaded files", err)
	}
	if !added {
		m.logger.Info("Rejecting repeated load", zap.String("file", file))
		return apperrors.AlreadyLoaded(file)
	}

	m.logger.Info("Loading file", zap.String("file", file), zap.String("format", format))

	emit := func(batch []model.Record) error {
		if !m.post(func() { m.ingestBatch(batch) }) {
			return ErrManagerStopped
		}
		return nil
	}
	done := func(res ingest.Result, err error) {
		if err != nil {
			if rmErr := m.files.Remove(context.Background(), file); rmErr != nil {
				m.logger.Warn("Failed to forget file", zap.String("file", file), zap.Error(rmErr))
			}
			m.replyError(apperrors.Internal(fmt.Sprintf("failed to load %s", file), err))
			return
		}
		// queued behind the file's batches, so the reply follows the writes
		m.post(func() {
			m.replyData("", fmt.Sprintf("loaded %d records from %s", res.Records, file))
		})
	}

	if err := m.loader.Submit(file, format, emit, done); err != nil {
		_ = m.files.Remove(ctx, file)
		return apperrors.Busy(fmt.Sprintf("cannot load %s now: %v", file, err))
	}
	return nil
}

// shutdownNode tells a node to stop, marks it dead and runs recovery.
// onDone runs on the loop after recovery finishes.
func (m *Manager) shutdownNode(id int, onDone func(model.RecoveryReport, error)) {
	if m.recovering[id] {
		onDone(model.RecoveryReport{}, apperrors.Busy(fmt.Sprintf("recovery of storage node %d is in progress", id)))
		return
	}
	if !m.health[id] {
		onDone(model.RecoveryReport{}, apperrors.NodeUnavailable(id, nil))
		return
	}

	m.logger.Info("Shutting down storage node", zap.Int("node_id", id))
	m.publish(model.StorageQueryQueue(id), model.StorageRequest{Shutdown: true}, "")
	m.markDead(id)
	m.startRecovery(id, func(report model.RecoveryReport) {
		onDone(report, nil)
	})
}

// ShutdownNode is the admin form of SHUTDOWN; it waits for recovery
func (m *Manager) ShutdownNode(ctx context.Context, id int) (model.RecoveryReport, error) {
	if id < 0 || id >= m.n {
		return model.RecoveryReport{}, apperrors.UnknownNode(id, m.n)
	}

	type result struct {
		report model.RecoveryReport
		err    error
	}
	done := make(chan result, 1)
	if !m.post(func() {
		m.shutdownNode(id, func(r model.RecoveryReport, err error) { done <- result{r, err} })
	}) {
		return model.RecoveryReport{}, ErrManagerStopped
	}

	select {
	case res := <-done:
		return res.report, res.err
	case <-ctx.Done():
		return model.RecoveryReport{}, ctx.Err()
	}
}

// ForwardNode asks node from to push all its records to node to and waits
// for its answer
func (m *Manager) ForwardNode(ctx context.Context, from, to int) (bool, error) {
	for _, id := range []int{from, to} {
		if id < 0 || id >= m.n {
			return false, apperrors.UnknownNode(id, m.n)
		}
	}

	type result struct {
		transferred bool
		err         error
	}
	done := make(chan result, 1)
	if !m.post(func() {
		target := to
		corr := m.pending.Register(from, pending.KindForward, "", m.cfg.Manager.RecoveryTimeout,
			func(resp model.StorageResponse) {
				done <- result{transferred: resp.Transferred != nil && *resp.Transferred}
			},
			func() {
				done <- result{err: apperrors.Timeout(from, "forward")}
			})
		m.publish(model.StorageQueryQueue(from), model.StorageRequest{
			RecoverData:   true,
			Target:        &target,
			CorrelationID: corr,
		}, corr)
	}) {
		return false, ErrManagerStopped
	}

	select {
	case res := <-done:
		return res.transferred, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ClearDate tells a node to drop its records for date. Placement is left
// alone; this is a maintenance operation for stale replica data.
func (m *Manager) ClearDate(ctx context.Context, id int, rawDate string) error {
	if id < 0 || id >= m.n {
		return apperrors.UnknownNode(id, m.n)
	}
	date, err := model.CanonicalDate(rawDate)
	if err != nil {
		return apperrors.InvalidDate(rawDate, err)
	}
	return m.Do(ctx, func() {
		m.publish(model.StorageQueryQueue(id), model.StorageRequest{ClearReplica: true, Date: date}, "")
	})
}
