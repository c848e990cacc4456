package store

import (
	"fmt"

	"github.com/duoroom/duoroom/internal/proto"
)

// InsertMessage appends one message row and notifies subscribers. The caller
// supplies the id (a ULID) and timestamp so the row matches what it already
// holds in memory.
func (d *DB) InsertMessage(msg proto.Message) error {
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO messages (id, room_code, content, sender, media_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomBase, msg.Content, msg.Sender, string(msg.MediaType), msg.CreatedAt,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	d.notify(Change{Table: TableMessages, Op: OpInsert, Record: msg})
	return nil
}

// MirrorMessage persists a message authored on the partner's side. Replays
// are expected (the wire is at-most-once but joins can re-deliver), so an
// already-present id is a silent no-op and does not re-notify.
func (d *DB) MirrorMessage(msg proto.Message) error {
	d.mu.Lock()
	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, room_code, content, sender, media_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomBase, msg.Content, msg.Sender, string(msg.MediaType), msg.CreatedAt,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("mirror message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.notify(Change{Table: TableMessages, Op: OpInsert, Record: msg})
	}
	return nil
}

// ListMessages returns all messages of a room, oldest first.
func (d *DB) ListMessages(roomBase string) ([]proto.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, room_code, content, sender, media_type, created_at
		FROM messages WHERE room_code = ? ORDER BY created_at ASC, id ASC`,
		roomBase,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []proto.Message
	for rows.Next() {
		var m proto.Message
		var mediaType string
		if err := rows.Scan(&m.ID, &m.RoomBase, &m.Content, &m.Sender, &mediaType, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.MediaType = proto.MediaType(mediaType)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessages removes every message of a room. Single messages are never
// deletable; clearing is all-or-nothing by design.
func (d *DB) DeleteMessages(roomBase string) (int64, error) {
	d.mu.Lock()
	res, err := d.db.Exec(`DELETE FROM messages WHERE room_code = ?`, roomBase)
	d.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.notify(Change{Table: TableMessages, Op: OpDelete, Record: nil})
	}
	return n, nil
}
