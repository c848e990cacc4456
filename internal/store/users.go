package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrPartnerUnknown is returned when the partner has not published an
// identity for the room yet.
var ErrPartnerUnknown = errors.New("partner identity not published")

// PublishIdentity stores or replaces the identity for one side of a room so
// the partner can discover it. Keyed (room base, suffix); the identity is
// the addressable endpoint for presence and calling.
func (d *DB) PublishIdentity(roomBase, suffix, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO room_users (room_code, suffix, user_id) VALUES (?, ?, ?)
		ON CONFLICT (room_code, suffix) DO UPDATE SET user_id = excluded.user_id`,
		roomBase, suffix, identity,
	)
	if err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}
	return nil
}

// Identity returns the published identity for (room base, suffix).
func (d *DB) Identity(roomBase, suffix string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var id string
	err := d.db.QueryRow(
		`SELECT user_id FROM room_users WHERE room_code = ? AND suffix = ?`,
		roomBase, suffix,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrPartnerUnknown
	}
	if err != nil {
		return "", fmt.Errorf("lookup identity: %w", err)
	}
	return id, nil
}
