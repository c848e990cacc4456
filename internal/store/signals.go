package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/duoroom/duoroom/internal/proto"
)

// ErrSignalNotFound is returned for unknown call-signal ids.
var ErrSignalNotFound = errors.New("call signal not found")

// InsertCallSignal creates a ringing record and returns it, including the
// generated id, so the caller can transition it later.
func (d *DB) InsertCallSignal(roomBase, callerID, calleeID string, callType proto.CallType) (proto.CallSignal, error) {
	sig := proto.CallSignal{
		ID:        uuid.NewString(),
		RoomBase:  roomBase,
		CallerID:  callerID,
		CalleeID:  calleeID,
		CallType:  callType,
		Status:    proto.CallRinging,
		CreatedAt: proto.NowMillis(),
	}
	d.mu.Lock()
	_, err := d.db.Exec(`
		INSERT INTO call_signals (id, room_code, caller_id, callee_id, call_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.RoomBase, sig.CallerID, sig.CalleeID, string(sig.CallType), string(sig.Status), sig.CreatedAt,
	)
	d.mu.Unlock()
	if err != nil {
		return proto.CallSignal{}, fmt.Errorf("insert call signal: %w", err)
	}
	d.notify(Change{Table: TableCallSignals, Op: OpInsert, Record: sig})
	return sig, nil
}

// UpdateCallSignalStatus sets the status field of an existing signal and
// notifies subscribers with the full updated record. Legality of the
// transition is the caller's concern (signal.ValidTransition).
func (d *DB) UpdateCallSignalStatus(signalID string, status proto.CallStatus) error {
	d.mu.Lock()
	res, err := d.db.Exec(
		`UPDATE call_signals SET status = ? WHERE id = ?`, string(status), signalID,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update call signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSignalNotFound
	}

	sig, err := d.GetCallSignal(signalID)
	if err == nil {
		d.notify(Change{Table: TableCallSignals, Op: OpUpdate, Record: sig})
	}
	return nil
}

// MirrorCallSignal persists a signal record authored on the partner's side,
// creating or updating by id. The upsert guard only admits forward moves
// (ringing -> anything, accepted -> ended), so a replayed or reordered stale
// status can never regress a row. Subscribers get an insert notification the
// first time the id is seen and updates after that, matching what they would
// have seen had the row been written locally.
func (d *DB) MirrorCallSignal(sig proto.CallSignal) error {
	d.mu.Lock()
	res, err := d.db.Exec(`
		INSERT INTO call_signals (id, room_code, caller_id, callee_id, call_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
		WHERE (call_signals.status = 'ringing' AND excluded.status != 'ringing')
		   OR (call_signals.status = 'accepted' AND excluded.status = 'ended')`,
		sig.ID, sig.RoomBase, sig.CallerID, sig.CalleeID, string(sig.CallType), string(sig.Status), sig.CreatedAt,
	)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("mirror call signal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil // replay of a state we already hold
	}
	// ringing is only ever the initial state, so a ringing mirror that
	// changed a row is the creation itself.
	op := OpUpdate
	if sig.Status == proto.CallRinging {
		op = OpInsert
	}
	d.notify(Change{Table: TableCallSignals, Op: op, Record: sig})
	return nil
}

// GetCallSignal fetches one signal by id.
func (d *DB) GetCallSignal(signalID string) (proto.CallSignal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sig proto.CallSignal
	var callType, status string
	err := d.db.QueryRow(`
		SELECT id, room_code, caller_id, callee_id, call_type, status, created_at
		FROM call_signals WHERE id = ?`, signalID,
	).Scan(&sig.ID, &sig.RoomBase, &sig.CallerID, &sig.CalleeID, &callType, &status, &sig.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.CallSignal{}, ErrSignalNotFound
	}
	if err != nil {
		return proto.CallSignal{}, fmt.Errorf("get call signal: %w", err)
	}
	sig.CallType = proto.CallType(callType)
	sig.Status = proto.CallStatus(status)
	return sig, nil
}
