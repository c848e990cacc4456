package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/duoroom/duoroom/internal/proto"
)

// ErrStatusUnknown is returned when no presence row exists yet for an
// identity in a room.
var ErrStatusUnknown = errors.New("no presence record")

// SetOnline upserts the online flag and refreshes last_seen. Change-feed
// subscribers receive the full resulting record, matching what a poll of the
// same row would return.
func (d *DB) SetOnline(roomBase, identity string, online bool, now int64) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO user_status (room_code, user_id, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_code, user_id) DO UPDATE SET
			is_online  = excluded.is_online,
			last_seen  = excluded.last_seen,
			updated_at = excluded.updated_at`,
		roomBase, identity, boolInt(online), now, now,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	d.notifyStatus(roomBase, identity)
	return nil
}

// SetTyping upserts the typing flag. Typing implies online.
func (d *DB) SetTyping(roomBase, identity string, typing bool, now int64) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO user_status (room_code, user_id, is_typing, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (room_code, user_id) DO UPDATE SET
			is_typing  = excluded.is_typing,
			is_online  = 1,
			last_seen  = excluded.last_seen,
			updated_at = excluded.updated_at`,
		roomBase, identity, boolInt(typing), now, now,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	d.notifyStatus(roomBase, identity)
	return nil
}

// SetLastRead upserts the read receipt. Reading implies online.
func (d *DB) SetLastRead(roomBase, identity, messageID string, now int64) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO user_status (room_code, user_id, last_read_message_id, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (room_code, user_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			is_online            = 1,
			last_seen            = excluded.last_seen,
			updated_at           = excluded.updated_at`,
		roomBase, identity, messageID, now, now,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set last read: %w", err)
	}
	d.notifyStatus(roomBase, identity)
	return nil
}

// GetStatus returns the presence record for (room base, identity).
func (d *DB) GetStatus(roomBase, identity string) (proto.PresenceRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getStatusLocked(roomBase, identity)
}

func (d *DB) getStatusLocked(roomBase, identity string) (proto.PresenceRecord, error) {
	var rec proto.PresenceRecord
	var online, typing int
	err := d.db.QueryRow(`
		SELECT room_code, user_id, is_online, is_typing, last_seen, last_read_message_id, updated_at
		FROM user_status WHERE room_code = ? AND user_id = ?`,
		roomBase, identity,
	).Scan(&rec.RoomBase, &rec.Identity, &online, &typing, &rec.LastSeen, &rec.LastReadID, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.PresenceRecord{}, ErrStatusUnknown
	}
	if err != nil {
		return proto.PresenceRecord{}, fmt.Errorf("get status: %w", err)
	}
	rec.IsOnline = online != 0
	rec.IsTyping = typing != 0
	return rec, nil
}

// notifyStatus reads the row back and fans out the full record. Failures are
// swallowed: the 5 s poll is the backstop for a missed notification.
func (d *DB) notifyStatus(roomBase, identity string) {
	d.mu.RLock()
	rec, err := d.getStatusLocked(roomBase, identity)
	d.mu.RUnlock()
	if err != nil {
		return
	}
	d.notify(Change{Table: TableUserStatus, Op: OpUpdate, Record: rec})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
