package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// InboundGroupSessionsToBackup returns a bounded batch of inbound sessions
// not yet backed up, in no particular order. limit <= 0 means no bound.
func (s *Store) InboundGroupSessionsToBackup(limit int) ([]*MegolmInboundRecord, error) {
	query := `SELECT session_id, sender_key, room_id, pickle, first_index, shared_history, backed_up
	          FROM megolm_inbound WHERE backed_up = 0`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: sessions to backup: %w", err)
	}
	defer rows.Close()
	return scanInboundRecords(rows)
}

// MarkBackupDoneForInboundGroupSessions marks the given sessions as backed
// up. Idempotent. A session that is not yet persisted locally gets a
// placeholder record marked backed up, so its later arrival does not
// re-trigger backup. Records without a usable session id are skipped and
// logged, never failing the batch.
func (s *Store) MarkBackupDoneForInboundGroupSessions(recs []*MegolmInboundRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, rec := range recs {
			if rec.SessionID == "" || rec.SenderKey == "" {
				s.log.Warn("skipping backup marker without session key",
					zap.String("room_id", rec.RoomID))
				continue
			}
			res, err := tx.Exec(
				"UPDATE megolm_inbound SET backed_up = 1 WHERE session_id = ? AND sender_key = ?",
				rec.SessionID, rec.SenderKey)
			if err != nil {
				return fmt.Errorf("store: mark backup done: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
			// Not persisted yet: insert a placeholder carrying whatever
			// state the caller has, already marked backed up.
			pickle := rec.Pickle
			if pickle == nil {
				pickle = []byte{}
			}
			_, err = tx.Exec(
				`INSERT INTO megolm_inbound
				 (session_id, sender_key, room_id, pickle, first_index, shared_history, backed_up)
				 VALUES (?, ?, ?, ?, ?, ?, 1)`,
				rec.SessionID, rec.SenderKey, rec.RoomID, pickle,
				rec.FirstIndex, rec.SharedHistory)
			if err != nil {
				return fmt.Errorf("store: insert backup placeholder: %w", err)
			}
		}
		return nil
	})
}

// ResetBackupMarkers clears every backed-up flag, used when the server-side
// backup version changes. After this, no session counts as backed up until
// marked again.
func (s *Store) ResetBackupMarkers() error {
	_, err := s.db.Exec("UPDATE megolm_inbound SET backed_up = 0")
	if err != nil {
		return fmt.Errorf("store: reset backup markers: %w", err)
	}
	return nil
}

// BackupVersion returns the last seen server-side backup version.
func (s *Store) BackupVersion() (string, error) {
	return s.getMetadata(metaBackupVersion)
}

// SetBackupVersion records the server-side backup version.
func (s *Store) SetBackupVersion(version string) error {
	return s.setMetadata(metaBackupVersion, version)
}
