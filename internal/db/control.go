package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CreateControl stores a new, uncompleted control request and returns it with
// its assigned ID.
func (db *DB) CreateControl(action ControlAction, target ControlTarget, sender, reason string) (SystemControl, error) {
	c := SystemControl{
		ID:     uuid.New(),
		Action: action,
		Target: target,
		Sender: sender,
		Reason: reason,
		Time:   utcNow(),
	}
	_, err := db.Exec(
		`INSERT INTO control (id, action, target, sender, reason, completed, time)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		c.ID.String(), string(c.Action), string(c.Target), c.Sender, c.Reason, c.Time,
	)
	if err != nil {
		return SystemControl{}, fmt.Errorf("insert control: %w", err)
	}
	return c, nil
}

// GetControl fetches a control document by ID.
func (db *DB) GetControl(id uuid.UUID) (SystemControl, bool, error) {
	var c SystemControl
	var idStr, action, target string
	err := db.QueryRow(
		`SELECT id, action, target, sender, reason, completed, time FROM control WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &action, &target, &c.Sender, &c.Reason, &c.Completed, &c.Time)
	if err != nil {
		if err == sql.ErrNoRows {
			return SystemControl{}, false, nil
		}
		return SystemControl{}, false, fmt.Errorf("get control: %w", err)
	}
	c.ID = uuid.MustParse(idStr)
	c.Action = ControlAction(action)
	c.Target = ControlTarget(target)
	return c, true, nil
}

// CompleteControl marks a control action as done. Idempotent.
func (db *DB) CompleteControl(id uuid.UUID) error {
	if _, err := db.Exec(`UPDATE control SET completed = 1 WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("complete control: %w", err)
	}
	return nil
}

// WaitForControlCompletion polls until the control document's completed flag
// is set. With a positive timeout it returns false once the timeout elapses;
// with no timeout it blocks until completion or context cancellation. Timing
// out is an expected outcome, not an error.
func (db *DB) WaitForControlCompletion(ctx context.Context, id uuid.UUID, timeout time.Duration) (bool, error) {
	start := utcNow()
	interval := db.ControlPollInterval
	if interval <= 0 {
		interval = defaultControlPollInterval
	}

	for {
		c, found, err := db.GetControl(id)
		if err != nil {
			return false, err
		}
		if found && c.Completed {
			return true, nil
		}
		if timeout > 0 && utcNow().Sub(start) > timeout {
			logrus.WithField("control", id).Debug("control action wait timed out")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}
