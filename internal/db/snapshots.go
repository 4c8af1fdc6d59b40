package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeSnapshotRef reduces the accepted snapshot reference forms to the
// stored identifier. The forms are a closed set: a live *Snapshot, its
// uuid.UUID, or the UUID's canonical string. Any other input is a contract
// violation reported as InvalidSnapshotRefError before anything is mutated.
func NormalizeSnapshotRef(ref any) (uuid.UUID, error) {
	switch v := ref.(type) {
	case *Snapshot:
		if v == nil || v.ID == uuid.Nil {
			return uuid.Nil, &InvalidSnapshotRefError{Value: ref}
		}
		return v.ID, nil
	case uuid.UUID:
		if v == uuid.Nil {
			return uuid.Nil, &InvalidSnapshotRefError{Value: ref}
		}
		return v, nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil || id == uuid.Nil {
			return uuid.Nil, &InvalidSnapshotRefError{Value: ref}
		}
		return id, nil
	}
	return uuid.Nil, &InvalidSnapshotRefError{Value: ref}
}

// CreateSnapshot stores a new snapshot marked latest and returns it with its
// assigned ID. The ID is immutable from then on.
func (db *DB) CreateSnapshot(s Snapshot) (Snapshot, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Latest = true
	s.LastChange = utcNow()
	if s.TixMsecOpen.AsOfDate.IsZero() {
		s.TixMsecOpen.AsOfDate = s.LastChange
	}
	if s.TixMsecToClose.ClosedAfterDate.IsZero() {
		s.TixMsecToClose.ClosedAfterDate = s.LastChange
	}

	vulns, err := json.Marshal(s.Vulnerabilities)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal vulnerabilities: %w", err)
	}
	uniqueVulns, err := json.Marshal(s.UniqueVulnerabilities)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal unique vulnerabilities: %w", err)
	}
	tixOpen, err := json.Marshal(s.TixMsecOpen)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal open ticket metrics: %w", err)
	}
	tixClose, err := json.Marshal(s.TixMsecToClose)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal close ticket metrics: %w", err)
	}
	world, err := json.Marshal(s.World)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal world data: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO snapshot (
			id, owner, start_time, end_time, latest, last_change,
			addresses_scanned, host_count, vulnerable_host_count, port_count,
			unique_port_count, unique_operating_systems, cvss_average_all,
			cvss_average_vulnerable, vulnerabilities, unique_vulnerabilities,
			tix_msec_open, tix_msec_to_close, world,
			networks, descendants_included, services
		 ) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.Owner, s.StartTime, s.EndTime, s.LastChange,
		s.AddressesScanned, s.HostCount, s.VulnerableHostCount, s.PortCount,
		s.UniquePortCount, s.UniqueOperatingSystems, s.CVSSAverageAll,
		s.CVSSAverageVulnerable, string(vulns), string(uniqueVulns),
		string(tixOpen), string(tixClose), string(world),
		joinList(s.Networks), joinList(s.DescendantsIncluded), nullableJSON(s.Services),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return s, nil
}

// GetSnapshot fetches a snapshot by ID.
func (db *DB) GetSnapshot(id uuid.UUID) (Snapshot, bool, error) {
	var s Snapshot
	var idStr string
	var vulns, uniqueVulns sql.NullString
	var tixOpen, tixClose, world sql.NullString
	var networks, descendants, services sql.NullString
	err := db.QueryRow(
		`SELECT id, owner, start_time, end_time, latest, last_change,
		        addresses_scanned, host_count, vulnerable_host_count, port_count,
		        unique_port_count, unique_operating_systems, cvss_average_all,
		        cvss_average_vulnerable, vulnerabilities, unique_vulnerabilities,
		        tix_msec_open, tix_msec_to_close, world,
		        networks, descendants_included, services
		   FROM snapshot WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &s.Owner, &s.StartTime, &s.EndTime, &s.Latest, &s.LastChange,
		&s.AddressesScanned, &s.HostCount, &s.VulnerableHostCount, &s.PortCount,
		&s.UniquePortCount, &s.UniqueOperatingSystems, &s.CVSSAverageAll,
		&s.CVSSAverageVulnerable, &vulns, &uniqueVulns,
		&tixOpen, &tixClose, &world,
		&networks, &descendants, &services)
	if err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	s.ID = uuid.MustParse(idStr)
	if vulns.Valid {
		if err := json.Unmarshal([]byte(vulns.String), &s.Vulnerabilities); err != nil {
			return Snapshot{}, false, fmt.Errorf("unmarshal vulnerabilities: %w", err)
		}
	}
	if uniqueVulns.Valid {
		if err := json.Unmarshal([]byte(uniqueVulns.String), &s.UniqueVulnerabilities); err != nil {
			return Snapshot{}, false, fmt.Errorf("unmarshal unique vulnerabilities: %w", err)
		}
	}
	if tixOpen.Valid {
		if err := json.Unmarshal([]byte(tixOpen.String), &s.TixMsecOpen); err != nil {
			return Snapshot{}, false, fmt.Errorf("unmarshal open ticket metrics: %w", err)
		}
	}
	if tixClose.Valid {
		if err := json.Unmarshal([]byte(tixClose.String), &s.TixMsecToClose); err != nil {
			return Snapshot{}, false, fmt.Errorf("unmarshal close ticket metrics: %w", err)
		}
	}
	if world.Valid {
		if err := json.Unmarshal([]byte(world.String), &s.World); err != nil {
			return Snapshot{}, false, fmt.Errorf("unmarshal world data: %w", err)
		}
	}
	s.Networks = splitList(networks)
	s.DescendantsIncluded = splitList(descendants)
	if services.Valid {
		s.Services = []byte(services.String)
	}
	return s, true, nil
}

// ResetLatestSnapshots clears the latest flag on an owner's snapshots, ahead
// of a newer snapshot being created. Idempotent, like the scan resets.
func (db *DB) ResetLatestSnapshots(owner string) error {
	if _, err := db.Exec(
		`UPDATE snapshot SET latest = 0 WHERE latest = 1 AND owner = ?`, owner,
	); err != nil {
		return fmt.Errorf("reset latest snapshots: %w", err)
	}
	return nil
}

// ListSnapshots returns an owner's snapshots, newest start time first.
func (db *DB) ListSnapshots(owner string) ([]Snapshot, error) {
	rows, err := db.Query(`SELECT id FROM snapshot WHERE owner = ? ORDER BY start_time DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, uuid.MustParse(idStr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots rows: %w", err)
	}

	var items []Snapshot
	for _, id := range ids {
		s, ok, err := db.GetSnapshot(id)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, s)
		}
	}
	return items, nil
}

func joinList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	return strings.Join(items, ",")
}

func splitList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	return strings.Split(s.String, ",")
}
