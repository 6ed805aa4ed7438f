// Package worker forwards entries from the local outbox to the history service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kharcha/internal/amqp"
	"kharcha/internal/auth"
	"kharcha/internal/core"
	"kharcha/internal/log"
	"kharcha/internal/storage"
)

// Forwarder writes one entry upstream and returns the upstream id.
type Forwarder interface {
	CreateTransaction(ctx context.Context, sess auth.Session, e core.Entry) (string, error)
}

// SyncWorker drains the outbox. Entries are forwarded with the service
// token on behalf of the user that created them.
type SyncWorker struct {
	outbox       storage.Outbox
	forwarder    Forwarder
	serviceToken string
	batchSize    int
	logger       *log.Logger
	onSynced     func(ctx context.Context, e core.Entry)
}

func NewSyncWorker(outbox storage.Outbox, forwarder Forwarder, serviceToken string, batchSize int, logger *log.Logger) *SyncWorker {
	if logger == nil {
		logger = log.Discard()
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &SyncWorker{
		outbox:       outbox,
		forwarder:    forwarder,
		serviceToken: serviceToken,
		batchSize:    batchSize,
		logger:       logger.WithComponent(log.ComponentWorker),
	}
}

// OnSynced registers a callback run after each entry reaches the history
// service.
func (w *SyncWorker) OnSynced(fn func(ctx context.Context, e core.Entry)) {
	w.onSynced = fn
}

// HandleSyncMessage processes a single entry sync message from AMQP.
// Already synced entries are acknowledged without a second upstream call.
func (w *SyncWorker) HandleSyncMessage(ctx context.Context, msg *amqp.EntrySyncMessage) error {
	w.logger.InfoContext(ctx, "Processing sync message", log.FieldEntryID, msg.ID)

	pending, err := w.outbox.GetEntry(ctx, msg.ID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.WarnContext(ctx, "Sync message for unknown entry, dropping", log.FieldEntryID, msg.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get entry from outbox: %w", err)
	}
	if pending.Status == storage.SyncDone {
		return nil
	}
	return w.syncEntry(ctx, pending.Entry)
}

// ProcessPendingEntries is the backup path for lost messages.
func (w *SyncWorker) ProcessPendingEntries(ctx context.Context) error {
	_, _, err := w.drain(ctx, w.batchSize)
	return err
}

// StartupSyncCheck forwards whatever accumulated while the worker was down.
func (w *SyncWorker) StartupSyncCheck(ctx context.Context) error {
	synced, failed, err := w.drain(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("startup sync check: %w", err)
	}
	if synced+failed == 0 {
		w.logger.InfoContext(ctx, "No pending entries found on startup")
		return nil
	}
	w.logger.InfoContext(ctx, "Startup sync completed",
		"total", synced+failed,
		"synced", synced,
		"errors", failed)
	return nil
}

// Run sweeps the outbox every interval until ctx is done.
func (w *SyncWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessPendingEntries(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic sync failed", log.FieldError, err)
			}
		}
	}
}

func (w *SyncWorker) drain(ctx context.Context, limit int) (synced, failed int, err error) {
	pending, err := w.outbox.PendingEntries(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("get pending entries: %w", err)
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	w.logger.InfoContext(ctx, "Processing pending entries", "count", len(pending))

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return synced, failed, err
		}
		if err := w.syncEntry(ctx, p.Entry); err != nil {
			fields := log.NewFields().WithUser(p.Entry.UserID)
			fields[log.FieldEntryID] = p.Entry.ID
			log.NewStructuredLogger(w.logger).LogError(ctx, "Failed to sync entry", err, log.ComponentWorker, log.OpSync, fields)
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}

func (w *SyncWorker) syncEntry(ctx context.Context, e core.Entry) error {
	sess := auth.Session{UserID: e.UserID, AccessToken: w.serviceToken}
	remoteID, err := w.forwarder.CreateTransaction(ctx, sess, e)
	if err != nil {
		if markErr := w.outbox.MarkSyncError(ctx, e.ID, err); markErr != nil {
			w.logger.ErrorContext(ctx, "Failed to mark sync error", log.FieldEntryID, e.ID, log.FieldError, markErr)
		}
		return fmt.Errorf("forward entry: %w", err)
	}

	// The upstream write succeeded; a failed mark only causes a retry.
	if err := w.outbox.MarkSynced(ctx, e.ID, remoteID); err != nil {
		w.logger.ErrorContext(ctx, "Failed to mark as synced", log.FieldEntryID, e.ID, log.FieldError, err)
	}

	w.logger.InfoContext(ctx, "Successfully synced entry",
		log.FieldEntryID, e.ID,
		log.FieldUserID, e.UserID,
		"remote_id", remoteID,
		"amount", e.Amount.StringFixed(2))

	if w.onSynced != nil {
		w.onSynced(ctx, e)
	}
	return nil
}
