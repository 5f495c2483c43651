package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poslink/lansync/internal/events"
	"github.com/poslink/lansync/internal/localstore"
	"github.com/poslink/lansync/internal/metrics"
	"github.com/poslink/lansync/internal/model"
)

var (
	// ErrSyncInProgress rejects a cycle invoked while one is in flight.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline rejects a cycle invoked while the remote store is
	// unreachable.
	ErrOffline = errors.New("remote store offline")
)

// LocalRows is the slice of the local store the syncer needs.
type LocalRows interface {
	UnsyncedRows(ctx context.Context, collection, tenantID string) ([]*localstore.Row, error)
	MarkRowSynced(ctx context.Context, collection, recordID string) error
	UpsertBySyncID(ctx context.Context, collection, syncID, tenantID string, payload []byte) error
	Cursor(ctx context.Context, collection string) (time.Time, error)
	SetCursor(ctx context.Context, collection string, cursor time.Time) error
}

// OutboxDrain is the slice of the outbox store the syncer needs.
type OutboxDrain interface {
	Pending(ctx context.Context, limit int) ([]*model.OutboxItem, error)
	MarkSynced(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attemptErr string) error
	Stats(ctx context.Context) (pending, synced, failed int64, err error)
}

// Config holds reconciliation tunables.
type Config struct {
	ProbeTimeout time.Duration
	BatchSize    int
	// GuardTakeover bounds how long a stuck cycle may hold the
	// single-flight guard before a new trigger takes it over.
	GuardTakeover time.Duration
}

// Stats is a read-only snapshot of reconciliation state.
type Stats struct {
	Online        bool      `json:"online"`
	Syncing       bool      `json:"syncing"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	LastError     string    `json:"last_error,omitempty"`
	OutboxPending int64     `json:"outbox_pending"`
	OutboxSynced  int64     `json:"outbox_synced"`
	OutboxFailed  int64     `json:"outbox_failed"`
}

// Syncer keeps the remote relational store eventually consistent with
// local state, independent of LAN peer availability.
type Syncer struct {
	cfg    Config
	remote Store
	outbox OutboxDrain
	local  LocalRows
	bus    *events.Bus
	logger *zap.Logger
	m      *metrics.Metrics // optional

	mu         sync.Mutex
	online     bool
	inFlight   bool
	guardToken uint64
	guardSince time.Time
	lastSyncAt time.Time
	lastError  string

	autoMu   sync.Mutex
	autoStop chan struct{}
}

// NewSyncer creates the reconciliation service. Metrics may be nil.
func NewSyncer(cfg Config, remote Store, outbox OutboxDrain, local LocalRows, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Syncer {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GuardTakeover <= 0 {
		cfg.GuardTakeover = 10 * time.Minute
	}
	return &Syncer{
		cfg:    cfg,
		remote: remote,
		outbox: outbox,
		local:  local,
		bus:    bus,
		logger: logger,
		m:      m,
	}
}

// CheckConnectivity probes the remote store and records the result.
func (s *Syncer) CheckConnectivity(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	err := s.remote.Ping(probeCtx)
	online := err == nil

	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if s.m != nil {
		if online {
			s.m.RemoteOnline.Set(1)
		} else {
			s.m.RemoteOnline.Set(0)
		}
	}
	if online != wasOnline {
		s.logger.Info("Remote connectivity changed", zap.Bool("online", online))
	}
	return online
}

// Online reports the last probed connectivity state.
func (s *Syncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// acquireGuard takes the single-flight guard and returns an ownership
// token. A guard held longer than the takeover window is considered
// stuck and is taken over; the token then changes hands.
func (s *Syncer) acquireGuard() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight && time.Since(s.guardSince) < s.cfg.GuardTakeover {
		return 0, ErrSyncInProgress
	}
	if s.inFlight {
		s.logger.Warn("Sync guard held past takeover window, taking over",
			zap.Duration("held_for", time.Since(s.guardSince)))
	}
	s.inFlight = true
	s.guardSince = time.Now()
	s.guardToken++
	return s.guardToken, nil
}

// releaseGuard clears the guard only for the token that currently owns
// it. A stale release from a taken-over cycle is a no-op, so the new
// owner's guard stays intact.
func (s *Syncer) releaseGuard(token uint64) {
	s.mu.Lock()
	if s.inFlight && s.guardToken == token {
		s.inFlight = false
	}
	s.mu.Unlock()
}

// ProcessOutbox drains pending items in creation order up to the batch
// cap. Failed items stay pending with an incremented retry count and
// surface again next cycle.
func (s *Syncer) ProcessOutbox(ctx context.Context) (int, error) {
	if !s.CheckConnectivity(ctx) {
		return 0, nil // offline drain is a no-op, items wait
	}
	token, err := s.acquireGuard()
	if err != nil {
		return 0, err
	}
	defer s.releaseGuard(token)
	return s.drainOutbox(ctx)
}

// drainOutbox assumes the caller holds the guard.
func (s *Syncer) drainOutbox(ctx context.Context) (int, error) {
	items, err := s.outbox.Pending(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending outbox items: %w", err)
	}

	drained := 0
	for _, item := range items {
		if err := s.deliver(ctx, item); err != nil {
			s.logger.Warn("Outbox delivery failed",
				zap.Int64("item_id", item.ID),
				zap.String("collection", item.Collection),
				zap.Int("retry_count", item.RetryCount),
				zap.Error(err))
			if markErr := s.outbox.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				s.logger.Error("Failed to record outbox failure", zap.Error(markErr))
			}
			continue
		}
		if err := s.outbox.MarkSynced(ctx, item.ID); err != nil {
			s.logger.Error("Failed to mark outbox item synced", zap.Error(err))
			continue
		}
		drained++
	}

	if drained > 0 {
		s.logger.Info("Outbox drained", zap.Int("items", drained))
	}
	s.refreshOutboxGauges(ctx)
	return drained, nil
}

// deliver applies one outbox item against the remote store. Inserts
// and updates collapse into an upsert by sync id so replayed
// duplicates cannot create a second remote row.
func (s *Syncer) deliver(ctx context.Context, item *model.OutboxItem) error {
	switch item.Operation {
	case model.OpDelete:
		return s.remote.DeleteBySyncID(ctx, item.Collection, item.SyncID)
	case model.OpCreate, model.OpUpdate:
		return s.remote.UpsertBySyncID(ctx, item.Collection, item.SyncID, item.TenantID, item.Payload)
	default:
		return fmt.Errorf("unknown outbox operation %q", item.Operation)
	}
}

// UploadChangesToCollection pushes locally unsynced rows for one
// collection, tenant-scoped where applicable.
func (s *Syncer) UploadChangesToCollection(ctx context.Context, collection, tenantID string) error {
	rows, err := s.local.UnsyncedRows(ctx, collection, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load unsynced rows for %s: %w", collection, err)
	}

	for _, row := range rows {
		if row.Deleted {
			err = s.remote.DeleteBySyncID(ctx, collection, row.SyncID)
		} else {
			err = s.remote.UpsertBySyncID(ctx, collection, row.SyncID, row.TenantID, row.Payload)
		}
		if err != nil {
			return fmt.Errorf("failed to upload %s/%s: %w", collection, row.RecordID, err)
		}
		if err := s.local.MarkRowSynced(ctx, collection, row.RecordID); err != nil {
			return err
		}
		if s.m != nil {
			s.m.SyncItemsTotal.WithLabelValues("upload", collection).Inc()
		}
	}
	return nil
}

// DownloadChangesFromCollection pulls remote rows updated after the
// collection cursor and applies them as local upserts keyed by sync
// id, then advances the cursor.
func (s *Syncer) DownloadChangesFromCollection(ctx context.Context, collection, tenantID string) error {
	cursor, err := s.local.Cursor(ctx, collection)
	if err != nil {
		return err
	}

	rows, err := s.remote.ChangedSince(ctx, collection, tenantID, cursor)
	if err != nil {
		return fmt.Errorf("failed to download %s changes: %w", collection, err)
	}

	latest := cursor
	for _, row := range rows {
		if err := s.local.UpsertBySyncID(ctx, collection, row.SyncID, row.TenantID, row.Payload); err != nil {
			return fmt.Errorf("failed to apply downloaded %s row: %w", collection, err)
		}
		if row.UpdatedAt.After(latest) {
			latest = row.UpdatedAt
		}
		if s.m != nil {
			s.m.SyncItemsTotal.WithLabelValues("download", collection).Inc()
		}
	}

	if latest.After(cursor) {
		if err := s.local.SetCursor(ctx, collection, latest); err != nil {
			return err
		}
	}
	return nil
}

// SyncWithRemote runs the full cycle: connectivity check, outbox
// drain, then upload+download for every collection in dependency
// order. Refuses to run concurrently with itself and errors
// distinctly while offline.
func (s *Syncer) SyncWithRemote(ctx context.Context, tenantID string) error {
	if !s.CheckConnectivity(ctx) {
		return ErrOffline
	}
	token, err := s.acquireGuard()
	if err != nil {
		return err
	}
	defer s.releaseGuard(token)

	start := time.Now()
	err = s.runCycle(ctx, tenantID)

	s.mu.Lock()
	s.lastSyncAt = time.Now()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()

	if s.m != nil {
		s.m.SyncDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.m.SyncCycles.WithLabelValues(result).Inc()
	}
	if err != nil {
		s.bus.Publish(events.SyncError, err.Error())
		return err
	}

	s.logger.Info("Remote sync cycle completed",
		zap.String("tenant_id", tenantID),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Syncer) runCycle(ctx context.Context, tenantID string) error {
	if _, err := s.drainOutbox(ctx); err != nil {
		return err
	}

	for _, c := range localstore.Collections {
		scope := ""
		if c.TenantScoped {
			scope = tenantID
		}
		if err := s.UploadChangesToCollection(ctx, c.Name, scope); err != nil {
			return err
		}
		if err := s.DownloadChangesFromCollection(ctx, c.Name, scope); err != nil {
			return err
		}
	}
	return nil
}

// StartAutoSync begins fixed-interval full cycles. Independent of LAN
// replication; safe to call once.
func (s *Syncer) StartAutoSync(interval time.Duration, tenantID string) {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.autoStop != nil {
		return
	}
	s.autoStop = make(chan struct{})
	stop := s.autoStop

	s.logger.Info("Automatic remote sync started", zap.Duration("interval", interval))
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := s.SyncWithRemote(ctx, tenantID)
				cancel()
				if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
					s.logger.Warn("Automatic sync cycle failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoSync halts the automatic cycle timer.
func (s *Syncer) StopAutoSync() {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.autoStop == nil {
		return
	}
	close(s.autoStop)
	s.autoStop = nil
	s.logger.Info("Automatic remote sync stopped")
}

// Stats returns a reconciliation snapshot for status surfaces.
func (s *Syncer) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	st := Stats{
		Online:     s.online,
		Syncing:    s.inFlight,
		LastSyncAt: s.lastSyncAt,
		LastError:  s.lastError,
	}
	s.mu.Unlock()

	pending, synced, failed, err := s.outbox.Stats(ctx)
	if err != nil {
		s.logger.Warn("Failed to read outbox stats", zap.Error(err))
		return st
	}
	st.OutboxPending = pending
	st.OutboxSynced = synced
	st.OutboxFailed = failed
	return st
}

func (s *Syncer) refreshOutboxGauges(ctx context.Context) {
	if s.m == nil {
		return
	}
	pending, _, failed, err := s.outbox.Stats(ctx)
	if err != nil {
		return
	}
	s.m.OutboxPending.Set(float64(pending))
	s.m.OutboxFailed.Set(float64(failed))
}
