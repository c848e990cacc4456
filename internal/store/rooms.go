package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/duoroom/duoroom/internal/proto"
)

// Room is one row of the rooms table.
type Room struct {
	RoomBase  string
	CreatedAt int64
}

// ErrRoomNotFound is returned by GetRoom for unknown bases.
var ErrRoomNotFound = errors.New("room not found")

// CreateRoom inserts the room row for a base, or returns the existing row if
// another party created it first. The primary-key constraint resolves the
// creation race; callers never see a duplicate error.
func (d *DB) CreateRoom(roomBase string) (Room, error) {
	d.mu.Lock()
	now := proto.NowMillis()
	res, err := d.db.Exec(`
		INSERT INTO rooms (room_code, created_at) VALUES (?, ?)
		ON CONFLICT (room_code) DO NOTHING`,
		roomBase, now,
	)
	d.mu.Unlock()
	if err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		room := Room{RoomBase: roomBase, CreatedAt: now}
		d.notify(Change{Table: TableRooms, Op: OpInsert, Record: room})
		return room, nil
	}
	return d.GetRoom(roomBase)
}

// GetRoom fetches the room row for a base.
func (d *DB) GetRoom(roomBase string) (Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var r Room
	err := d.db.QueryRow(
		`SELECT room_code, created_at FROM rooms WHERE room_code = ?`, roomBase,
	).Scan(&r.RoomBase, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}
