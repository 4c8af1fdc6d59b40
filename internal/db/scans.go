package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ScanKind selects one of the scan record collections. It is a closed set;
// every operation that takes a kind dispatches on it explicitly.
type ScanKind string

// Scan record kinds.
const (
	KindHostScan ScanKind = "host_scan"
	KindPortScan ScanKind = "port_scan"
	KindVulnScan ScanKind = "vuln_scan"
)

// AllScanKinds lists every scan collection, in tagging order.
var AllScanKinds = []ScanKind{KindHostScan, KindPortScan, KindVulnScan}

func (k ScanKind) table() (string, error) {
	switch k {
	case KindHostScan, KindPortScan, KindVulnScan:
		return string(k), nil
	}
	return "", fmt.Errorf("unknown scan kind %q", string(k))
}

func (k ScanKind) String() string { return string(k) }

// prepareScanMeta fills insert-time defaults and the derived ip_int. A record
// enters its collection marked latest; only the reset operations below ever
// clear that flag.
func prepareScanMeta(m *ScanMeta) error {
	ipInt, ok := ipv4ToInt(m.IPAddress)
	if !ok {
		return &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", m.IPAddress)}
	}
	m.IPInt = ipInt
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Time.IsZero() {
		m.Time = utcNow()
	}
	m.Latest = true
	return nil
}

// InsertHostScan stores a new host scan record marked latest.
func (db *DB) InsertHostScan(s HostScan) (HostScan, error) {
	if err := prepareScanMeta(&s.ScanMeta); err != nil {
		return HostScan{}, err
	}
	_, err := db.Exec(
		`INSERT INTO host_scan (id, ip_address, ip_int, latest, owner, source, time, name, accuracy, line, classes)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.IPAddress, s.IPInt, s.Owner, s.Source, s.Time, s.Name, s.Accuracy, s.Line, nullableJSON(s.Classes),
	)
	if err != nil {
		return HostScan{}, fmt.Errorf("insert host scan: %w", err)
	}
	return s, nil
}

// InsertPortScan stores a new port scan record marked latest.
func (db *DB) InsertPortScan(s PortScan) (PortScan, error) {
	if err := prepareScanMeta(&s.ScanMeta); err != nil {
		return PortScan{}, err
	}
	_, err := db.Exec(
		`INSERT INTO port_scan (id, ip_address, ip_int, latest, owner, source, time, port, protocol, state, reason, service)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.IPAddress, s.IPInt, s.Owner, s.Source, s.Time, s.Port, string(s.Protocol), s.State, s.Reason, nullableJSON(s.Service),
	)
	if err != nil {
		return PortScan{}, fmt.Errorf("insert port scan: %w", err)
	}
	return s, nil
}

// InsertVulnScan stores a new vulnerability scan record marked latest.
func (db *DB) InsertVulnScan(s VulnScan) (VulnScan, error) {
	if err := prepareScanMeta(&s.ScanMeta); err != nil {
		return VulnScan{}, err
	}
	_, err := db.Exec(
		`INSERT INTO vuln_scan (
			id, ip_address, ip_int, latest, owner, source, time, port, protocol,
			cvss_base_score, cvss_vector, description, fname, plugin_family, plugin_id,
			plugin_modification_date, plugin_name, plugin_publication_date, plugin_type,
			risk_factor, service, severity, solution, synopsis
		 ) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.IPAddress, s.IPInt, s.Owner, s.Source, s.Time, s.Port, string(s.Protocol),
		s.CVSSBaseScore, s.CVSSVector, s.Description, s.FName, s.PluginFamily, s.PluginID,
		s.PluginModificationDate, s.PluginName, s.PluginPublicationDate, s.PluginType,
		s.RiskFactor, s.Service, s.Severity, s.Solution, s.Synopsis,
	)
	if err != nil {
		return VulnScan{}, fmt.Errorf("insert vuln scan: %w", err)
	}
	return s, nil
}

// GetHostScan fetches a host scan record by ID.
func (db *DB) GetHostScan(id uuid.UUID) (HostScan, bool, error) {
	var s HostScan
	var idStr string
	var classes sql.NullString
	err := db.QueryRow(
		`SELECT id, ip_address, ip_int, latest, owner, source, time, name, accuracy, line, classes
		   FROM host_scan WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &s.IPAddress, &s.IPInt, &s.Latest, &s.Owner, &s.Source, &s.Time, &s.Name, &s.Accuracy, &s.Line, &classes)
	if err != nil {
		if err == sql.ErrNoRows {
			return HostScan{}, false, nil
		}
		return HostScan{}, false, fmt.Errorf("get host scan: %w", err)
	}
	s.ID = uuid.MustParse(idStr)
	if classes.Valid {
		s.Classes = []byte(classes.String)
	}
	if err := db.loadScanSnapshots(&s.ScanMeta); err != nil {
		return HostScan{}, false, err
	}
	return s, true, nil
}

// GetPortScan fetches a port scan record by ID.
func (db *DB) GetPortScan(id uuid.UUID) (PortScan, bool, error) {
	var s PortScan
	var idStr, protocol string
	var service sql.NullString
	err := db.QueryRow(
		`SELECT id, ip_address, ip_int, latest, owner, source, time, port, protocol, state, reason, service
		   FROM port_scan WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &s.IPAddress, &s.IPInt, &s.Latest, &s.Owner, &s.Source, &s.Time, &s.Port, &protocol, &s.State, &s.Reason, &service)
	if err != nil {
		if err == sql.ErrNoRows {
			return PortScan{}, false, nil
		}
		return PortScan{}, false, fmt.Errorf("get port scan: %w", err)
	}
	s.ID = uuid.MustParse(idStr)
	s.Protocol = Protocol(protocol)
	if service.Valid {
		s.Service = []byte(service.String)
	}
	if err := db.loadScanSnapshots(&s.ScanMeta); err != nil {
		return PortScan{}, false, err
	}
	return s, true, nil
}

// GetVulnScan fetches a vulnerability scan record by ID.
func (db *DB) GetVulnScan(id uuid.UUID) (VulnScan, bool, error) {
	var s VulnScan
	var idStr, protocol string
	err := db.QueryRow(
		`SELECT id, ip_address, ip_int, latest, owner, source, time, port, protocol,
		        cvss_base_score, cvss_vector, description, fname, plugin_family, plugin_id,
		        plugin_modification_date, plugin_name, plugin_publication_date, plugin_type,
		        risk_factor, service, severity, solution, synopsis
		   FROM vuln_scan WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &s.IPAddress, &s.IPInt, &s.Latest, &s.Owner, &s.Source, &s.Time, &s.Port, &protocol,
		&s.CVSSBaseScore, &s.CVSSVector, &s.Description, &s.FName, &s.PluginFamily, &s.PluginID,
		&s.PluginModificationDate, &s.PluginName, &s.PluginPublicationDate, &s.PluginType,
		&s.RiskFactor, &s.Service, &s.Severity, &s.Solution, &s.Synopsis)
	if err != nil {
		if err == sql.ErrNoRows {
			return VulnScan{}, false, nil
		}
		return VulnScan{}, false, fmt.Errorf("get vuln scan: %w", err)
	}
	s.ID = uuid.MustParse(idStr)
	s.Protocol = Protocol(protocol)
	if err := db.loadScanSnapshots(&s.ScanMeta); err != nil {
		return VulnScan{}, false, err
	}
	return s, true, nil
}

// ResetLatestByOwner clears the latest flag on every record of the given kind
// currently marked latest for an owner. No matching records is a successful
// no-op, and re-running a completed reset changes nothing.
func (db *DB) ResetLatestByOwner(kind ScanKind, owner string) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	if _, err := db.Exec(
		fmt.Sprintf(`UPDATE %s SET latest = 0 WHERE latest = 1 AND owner = ?`, table), owner,
	); err != nil {
		return fmt.Errorf("reset latest by owner: %w", err)
	}
	return nil
}

// ResetLatestByIP clears the latest flag on every record of the given kind
// currently marked latest for any of the given addresses. Calling with no
// addresses is a defined no-op. Every address is validated before any update
// is issued.
func (db *DB) ResetLatestByIP(kind ScanKind, ips ...string) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return nil
	}

	ipInts := make([]any, 0, len(ips))
	for _, ip := range ips {
		ipInt, ok := ipv4ToInt(ip)
		if !ok {
			return &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
		}
		ipInts = append(ipInts, ipInt)
	}

	query := fmt.Sprintf(
		`UPDATE %s SET latest = 0 WHERE latest = 1 AND ip_int IN (%s)`,
		table, placeholders(len(ipInts)),
	)
	if _, err := db.Exec(query, ipInts...); err != nil {
		return fmt.Errorf("reset latest by ip: %w", err)
	}
	return nil
}

// TagLatestScans appends a snapshot reference to every currently-latest
// record of the given kind owned by any of owners. The reference may be a
// *Snapshot, a uuid.UUID, or the UUID's string encoding; anything else fails
// with InvalidSnapshotRefError before any mutation. Tagging is idempotent:
// a record already carrying the reference is left as is.
func (db *DB) TagLatestScans(kind ScanKind, owners []string, snapshotRef any) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
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
		`INSERT OR IGNORE INTO scan_snapshot (scan_id, snapshot_id)
		 SELECT id, ? FROM %s WHERE latest = 1 AND owner IN (%s)`,
		table, placeholders(len(owners)),
	)
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("tag latest scans: %w", err)
	}
	return nil
}

// CountLatest returns how many records of the given kind are currently marked
// latest for an owner.
func (db *DB) CountLatest(kind ScanKind, owner string) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE latest = 1 AND owner = ?`, table), owner,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count latest: %w", err)
	}
	return n, nil
}

func (db *DB) loadScanSnapshots(m *ScanMeta) error {
	rows, err := db.Query(
		`SELECT snapshot_id FROM scan_snapshot WHERE scan_id = ? ORDER BY seq`,
		m.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("load scan snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return fmt.Errorf("scan snapshot row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("parse snapshot id: %w", err)
		}
		m.Snapshots = append(m.Snapshots, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan snapshot rows: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
