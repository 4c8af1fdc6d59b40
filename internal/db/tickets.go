package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Close closes an open ticket, recording the CLOSED event. A false-positive
// ticket cannot be closed; clear the false positive first.
func (t *Ticket) Close(reason string) error {
	if t.FalsePositive {
		return ErrFalsePositiveClosed
	}
	if !t.Open {
		return nil
	}
	now := utcNow()
	t.Open = false
	t.TimeClosed = &now
	t.appendEvent(ActionClosed, reason, now, nil)
	return nil
}

// SaveTicket persists a ticket and the unwritten tail of its event log. The
// false-positive invariants are checked here, at the persistence boundary:
// a false-positive ticket must be open, and the expiration date must be set
// exactly when the ticket is a false positive. A violation rejects the write
// and leaves the stored document untouched.
//
// Events persist keyed by (ticket, position), so re-saving after a partial
// failure re-writes only the missing entries.
func (db *DB) SaveTicket(t *Ticket) error {
	if t.FalsePositive && !t.Open {
		return ErrFalsePositiveClosed
	}
	if t.FalsePositive != (t.FPExpirationDate != nil) {
		return ErrExpirationMismatch
	}

	t.LastChange = utcNow()

	_, err := db.Exec(
		`INSERT INTO ticket (
			id, ip_address, ip_int, port, protocol, source, source_id, owner,
			open, false_positive, fp_expiration_date, details, loc,
			time_opened, time_closed, last_change
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   open=excluded.open,
		   false_positive=excluded.false_positive,
		   fp_expiration_date=excluded.fp_expiration_date,
		   details=excluded.details,
		   loc=excluded.loc,
		   time_closed=excluded.time_closed,
		   last_change=excluded.last_change`,
		t.ID.String(), t.IPAddress, t.IPInt, t.Port, string(t.Protocol), t.Source, t.SourceID, t.Owner,
		t.Open, t.FalsePositive, nullableTime(t.FPExpirationDate), nullableJSON(t.Details), marshalLoc(t.Loc),
		t.TimeOpened, nullableTime(t.TimeClosed), t.LastChange,
	)
	if err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}

	for i, event := range t.Events {
		var deltaKey, deltaFrom, deltaTo any
		if event.Delta != nil {
			deltaKey = event.Delta.Key
			deltaFrom, err = marshalDeltaValue(event.Delta.From)
			if err != nil {
				return err
			}
			deltaTo, err = marshalDeltaValue(event.Delta.To)
			if err != nil {
				return err
			}
		}
		var reference any
		if event.Reference != nil {
			reference = event.Reference.String()
		}
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO ticket_event (ticket_id, seq, action, reason, time, reference, delta_key, delta_from, delta_to)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), i+1, string(event.Action), event.Reason, event.Time, reference, deltaKey, deltaFrom, deltaTo,
		); err != nil {
			return fmt.Errorf("save ticket event: %w", err)
		}
	}
	return nil
}

// GetTicket fetches a ticket with its full event log and snapshot refs.
func (db *DB) GetTicket(id uuid.UUID) (*Ticket, bool, error) {
	var t Ticket
	var idStr, protocol string
	var fpExpiration, timeClosed sql.NullTime
	var details, loc sql.NullString
	err := db.QueryRow(
		`SELECT id, ip_address, ip_int, port, protocol, source, source_id, owner,
		        open, false_positive, fp_expiration_date, details, loc,
		        time_opened, time_closed, last_change
		   FROM ticket WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &t.IPAddress, &t.IPInt, &t.Port, &protocol, &t.Source, &t.SourceID, &t.Owner,
		&t.Open, &t.FalsePositive, &fpExpiration, &details, &loc,
		&t.TimeOpened, &timeClosed, &t.LastChange)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get ticket: %w", err)
	}
	t.ID = uuid.MustParse(idStr)
	t.Protocol = Protocol(protocol)
	if fpExpiration.Valid {
		exp := fpExpiration.Time
		t.FPExpirationDate = &exp
	}
	if timeClosed.Valid {
		closed := timeClosed.Time
		t.TimeClosed = &closed
	}
	if details.Valid {
		t.Details = []byte(details.String)
	}
	if loc.Valid {
		if err := json.Unmarshal([]byte(loc.String), &t.Loc); err != nil {
			return nil, false, fmt.Errorf("unmarshal ticket loc: %w", err)
		}
	}

	if err := db.loadTicketEvents(&t); err != nil {
		return nil, false, err
	}
	if err := db.loadTicketSnapshots(&t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (db *DB) loadTicketEvents(t *Ticket) error {
	rows, err := db.Query(
		`SELECT action, reason, time, reference, delta_key, delta_from, delta_to
		   FROM ticket_event WHERE ticket_id = ? ORDER BY seq`,
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("load ticket events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event TicketEvent
		var action string
		var reference, deltaKey, deltaFrom, deltaTo sql.NullString
		if err := rows.Scan(&action, &event.Reason, &event.Time, &reference, &deltaKey, &deltaFrom, &deltaTo); err != nil {
			return fmt.Errorf("scan ticket event: %w", err)
		}
		event.Action = TicketAction(action)
		if reference.Valid {
			refID, err := uuid.Parse(reference.String)
			if err != nil {
				return fmt.Errorf("parse event reference: %w", err)
			}
			event.Reference = &refID
		}
		if deltaKey.Valid {
			delta := &EventDelta{Key: deltaKey.String}
			if delta.From, err = unmarshalDeltaValue(deltaFrom); err != nil {
				return err
			}
			if delta.To, err = unmarshalDeltaValue(deltaTo); err != nil {
				return err
			}
			event.Delta = delta
		}
		t.Events = append(t.Events, event)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ticket event rows: %w", err)
	}
	return nil
}

func (db *DB) loadTicketSnapshots(t *Ticket) error {
	rows, err := db.Query(
		`SELECT snapshot_id FROM ticket_snapshot WHERE ticket_id = ? ORDER BY seq`,
		t.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("load ticket snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return fmt.Errorf("scan ticket snapshot: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("parse ticket snapshot id: %w", err)
		}
		t.Snapshots = append(t.Snapshots, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ticket snapshot rows: %w", err)
	}
	return nil
}

// ListOpenTickets returns the IDs of an owner's open tickets, oldest opened
// first.
func (db *DB) ListOpenTickets(owner string) ([]uuid.UUID, error) {
	return db.listTicketIDs(
		`SELECT id FROM ticket WHERE open = 1 AND owner = ? ORDER BY time_opened`, owner,
	)
}

// ListTicketsByIP returns the IDs of tickets for an address, filtered by open
// state.
func (db *DB) ListTicketsByIP(ip string, open bool) ([]uuid.UUID, error) {
	ipInt, ok := ipv4ToInt(ip)
	if !ok {
		return nil, &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
	}
	return db.listTicketIDs(
		`SELECT id FROM ticket WHERE ip_int = ? AND open = ? ORDER BY time_opened`, ipInt, open,
	)
}

func (db *DB) listTicketIDs(query string, args ...any) ([]uuid.UUID, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan ticket id: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tickets rows: %w", err)
	}
	return ids, nil
}

// TagOpenTickets appends a snapshot reference to every currently-open ticket
// owned by any of owners. Accepts the same reference forms as TagLatestScans
// and is idempotent in the same way.
func (db *DB) TagOpenTickets(owners []string, snapshotRef any) error {
	snapshotID, err := NormalizeSnapshotRef(snapshotRef)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}

	args := make([]any, 0, len(owners)+1)
	args = append(args, snapshotID.String())
	for _, owner := range owners {
		args = append(args, owner)
	}
	query := fmt.Sprintf(
		`INSERT OR IGNORE INTO ticket_snapshot (ticket_id, snapshot_id)
		 SELECT id, ? FROM ticket WHERE open = 1 AND owner IN (%s)`,
		placeholders(len(owners)),
	)
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("tag open tickets: %w", err)
	}
	return nil
}

// TagMatchingTickets appends a new snapshot reference to every ticket whose
// snapshot refs already contain any of the existing references. Used to fan a
// roll-up snapshot out to the tickets its constituents cover.
func (db *DB) TagMatchingTickets(existing []uuid.UUID, newSnapshotRef any) error {
	snapshotID, err := NormalizeSnapshotRef(newSnapshotRef)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}

	args := make([]any, 0, len(existing)+1)
	args = append(args, snapshotID.String())
	for _, id := range existing {
		args = append(args, id.String())
	}
	query := fmt.Sprintf(
		`INSERT OR IGNORE INTO ticket_snapshot (ticket_id, snapshot_id)
		 SELECT DISTINCT ticket_id, ? FROM ticket_snapshot WHERE snapshot_id IN (%s)`,
		placeholders(len(existing)),
	)
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("tag matching tickets: %w", err)
	}
	return nil
}

// RemoveSnapshotTag removes a snapshot reference from every ticket carrying
// it, for snapshot deletion or rollback. Removing an absent reference is a
// no-op.
func (db *DB) RemoveSnapshotTag(snapshotRef any) error {
	snapshotID, err := NormalizeSnapshotRef(snapshotRef)
	if err != nil {
		return err
	}
	if _, err := db.Exec(
		`DELETE FROM ticket_snapshot WHERE snapshot_id = ?`, snapshotID.String(),
	); err != nil {
		return fmt.Errorf("remove snapshot tag: %w", err)
	}
	return nil
}

func marshalDeltaValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal delta value: %w", err)
	}
	return string(encoded), nil
}

func unmarshalDeltaValue(s sql.NullString) (any, error) {
	if !s.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("unmarshal delta value: %w", err)
	}
	return v, nil
}

func marshalLoc(loc []float64) any {
	if len(loc) == 0 {
		return nil
	}
	encoded, _ := json.Marshal(loc)
	return string(encoded)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
