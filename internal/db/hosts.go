package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/cisagov/cyhy-db/internal/hoststate"
)

// NewHost builds a host record for an address. The random source is injected
// so callers (and tests) control the claim tie-breaker; it is drawn once here
// and never recomputed.
func NewHost(ip, owner string, rng *rand.Rand) (Host, error) {
	ipInt, ok := ipv4ToInt(ip)
	if !ok {
		return Host{}, &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
	}
	return Host{
		ID:        ipInt,
		IPAddress: ip,
		Owner:     owner,
		Stage:     StageNetscan1,
		Status:    StatusWaiting,
		R:         rng.Float64(),
		State:     hoststate.State{Up: false, Reason: "new"},
	}, nil
}

// ApplyStateEvidence runs the evidence fusion rules against the host. When no
// rule fires the prior state is preserved verbatim; the return value reports
// whether the state changed.
func (h *Host) ApplyStateEvidence(nmapSaysUp, hasOpenPorts *bool, reason string) bool {
	state, changed := hoststate.Fuse(nmapSaysUp, hasOpenPorts, reason)
	if changed {
		h.State = state
	}
	return changed
}

// SaveHost inserts or updates a host keyed by its integer IP. The update path
// deliberately leaves the r tie-breaker as first written.
func (db *DB) SaveHost(h Host) (Host, error) {
	h.LastChange = utcNow()

	latestScan, err := marshalLatestScan(h.LatestScan)
	if err != nil {
		return Host{}, err
	}

	_, err = db.Exec(
		`INSERT INTO host (id, ip_address, owner, stage, status, priority, r, state_up, state_reason, latest_scan, loc, next_scan, last_change)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner,
		   stage=excluded.stage,
		   status=excluded.status,
		   priority=excluded.priority,
		   state_up=excluded.state_up,
		   state_reason=excluded.state_reason,
		   latest_scan=excluded.latest_scan,
		   loc=excluded.loc,
		   next_scan=excluded.next_scan,
		   last_change=excluded.last_change`,
		h.ID, h.IPAddress, h.Owner, string(h.Stage), string(h.Status), h.Priority, h.R,
		h.State.Up, h.State.Reason, latestScan, marshalLoc(h.Loc), nullableTime(h.NextScan), h.LastChange,
	)
	if err != nil {
		return Host{}, fmt.Errorf("save host: %w", err)
	}
	return h, nil
}

// GetHost fetches a host by its integer IP identity.
func (db *DB) GetHost(id int64) (Host, bool, error) {
	row := db.QueryRow(hostSelect+` WHERE id = ?`, id)
	return scanHost(row)
}

// GetHostByIP fetches a host by its address.
func (db *DB) GetHostByIP(ip string) (Host, bool, error) {
	ipInt, ok := ipv4ToInt(ip)
	if !ok {
		return Host{}, false, &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
	}
	return db.GetHost(ipInt)
}

// ListHostsByOwner returns an owner's hosts in claim order.
func (db *DB) ListHostsByOwner(owner string) ([]Host, error) {
	rows, err := db.Query(hostSelect+` WHERE owner = ? ORDER BY status, stage, owner, priority, r`, owner)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var items []Host
	for rows.Next() {
		h, ok, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, h)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hosts rows: %w", err)
	}
	return items, nil
}

// ClaimNextHost atomically selects the first WAITING host in claim order
// (status, stage, owner, priority, r) and marks it RUNNING. The r tie-breaker
// keeps equal-priority hosts from starving each other. Returns false when
// nothing is waiting.
func (db *DB) ClaimNextHost() (Host, bool, error) {
	row := db.QueryRow(
		`UPDATE host SET status = ?, last_change = ?
		  WHERE id = (
		    SELECT id FROM host WHERE status = ?
		     ORDER BY status, stage, owner, priority, r LIMIT 1
		  )
		 RETURNING ` + hostColumns,
		string(StatusRunning), utcNow(), string(StatusWaiting),
	)
	return scanHost(row)
}

// RecordStageCompletion stamps the stage's completion time on the host's
// latest_scan map.
func (h *Host) RecordStageCompletion(stage Stage, at time.Time) {
	if h.LatestScan == nil {
		h.LatestScan = make(map[Stage]time.Time)
	}
	h.LatestScan[stage] = at
}

const hostColumns = `id, ip_address, owner, stage, status, priority, r, state_up, state_reason, latest_scan, loc, next_scan, last_change`

const hostSelect = `SELECT ` + hostColumns + ` FROM host`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (Host, bool, error) {
	var h Host
	var stage, status string
	var latestScan, loc sql.NullString
	var nextScan sql.NullTime
	err := row.Scan(&h.ID, &h.IPAddress, &h.Owner, &stage, &status, &h.Priority, &h.R,
		&h.State.Up, &h.State.Reason, &latestScan, &loc, &nextScan, &h.LastChange)
	if err != nil {
		if err == sql.ErrNoRows {
			return Host{}, false, nil
		}
		return Host{}, false, fmt.Errorf("scan host: %w", err)
	}
	h.Stage = Stage(stage)
	h.Status = Status(status)
	if latestScan.Valid {
		if err := json.Unmarshal([]byte(latestScan.String), &h.LatestScan); err != nil {
			return Host{}, false, fmt.Errorf("unmarshal latest_scan: %w", err)
		}
	}
	if loc.Valid {
		if err := json.Unmarshal([]byte(loc.String), &h.Loc); err != nil {
			return Host{}, false, fmt.Errorf("unmarshal host loc: %w", err)
		}
	}
	if nextScan.Valid {
		next := nextScan.Time
		h.NextScan = &next
	}
	return h, true, nil
}

func marshalLatestScan(m map[Stage]time.Time) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal latest_scan: %w", err)
	}
	return string(encoded), nil
}
