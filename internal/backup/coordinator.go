// Package backup tracks which inbound group sessions made it to the
// server-side key backup. Uploading is the transport collaborator's job;
// this package only hands out pending batches and keeps the markers
// consistent across backup version changes.
package backup

import (
	"go.uber.org/zap"

	"github.com/mxcrypt/cryptocore/internal/store"
)

// Coordinator batches inbound group sessions for backup. Batch retrieval
// and marking are not linearizable with each other; a session uploaded
// twice is harmless, a session double-counted after a reset is not.
type Coordinator struct {
	store *store.Store
	log   *zap.Logger
}

// NewCoordinator creates a coordinator over the store.
func NewCoordinator(st *store.Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: st, log: logger}
}

// Pending returns up to limit sessions not yet backed up.
func (c *Coordinator) Pending(limit int) ([]*store.MegolmInboundRecord, error) {
	return c.store.InboundGroupSessionsToBackup(limit)
}

// MarkDone records a batch as uploaded. Sessions in the batch that were
// never persisted get a placeholder record so they are not re-offered.
func (c *Coordinator) MarkDone(recs []*store.MegolmInboundRecord) error {
	return c.store.MarkBackupDoneForInboundGroupSessions(recs)
}

// Reset clears every backup marker, making all sessions pending again.
func (c *Coordinator) Reset() error {
	return c.store.ResetBackupMarkers()
}

// Version returns the active backup version, empty when none is set.
func (c *Coordinator) Version() (string, error) {
	return c.store.BackupVersion()
}

// SetVersion switches the active backup version. A change of version
// resets all markers: the new backup starts from nothing.
func (c *Coordinator) SetVersion(version string) error {
	current, err := c.store.BackupVersion()
	if err != nil {
		return err
	}
	if current == version {
		return nil
	}
	if current != "" {
		c.log.Info("backup version changed, resetting markers",
			zap.String("old", current),
			zap.String("new", version))
		if err := c.store.ResetBackupMarkers(); err != nil {
			return err
		}
	}
	return c.store.SetBackupVersion(version)
}
