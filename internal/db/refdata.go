package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The collections below are reference data: typed records stored and fetched
// by key. The only derived value is CVE severity.

// CVE is a scored vulnerability definition keyed by CVE ID.
type CVE struct {
	ID          string      `json:"id"`
	CVSSScore   float64     `json:"cvss_score"`
	CVSSVersion CVSSVersion `json:"cvss_version"`
	Severity    int         `json:"severity"`
}

// NewCVE builds a CVE, validating the score and deriving severity from the
// score under the given CVSS version's banding.
func NewCVE(id string, score float64, version CVSSVersion) (CVE, error) {
	if id == "" {
		return CVE{}, &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if score < 0.0 || score > 10.0 {
		return CVE{}, &ValidationError{Field: "cvss_score", Reason: fmt.Sprintf("%v is outside [0.0, 10.0]", score)}
	}
	switch version {
	case CVSSV2, CVSSV3, CVSSV31:
	default:
		return CVE{}, &ValidationError{Field: "cvss_version", Reason: fmt.Sprintf("unknown version %q", string(version))}
	}
	return CVE{ID: id, CVSSScore: score, CVSSVersion: version, Severity: cvssSeverity(score, version)}, nil
}

func cvssSeverity(score float64, version CVSSVersion) int {
	if version == CVSSV2 {
		switch {
		case score == 10:
			return 4
		case score >= 7.0:
			return 3
		case score >= 4.0:
			return 2
		}
		return 1
	}
	switch {
	case score >= 9.0:
		return 4
	case score >= 7.0:
		return 3
	case score >= 4.0:
		return 2
	}
	return 1
}

// SaveCVE upserts a CVE record.
func (db *DB) SaveCVE(c CVE) error {
	_, err := db.Exec(
		`INSERT INTO cve (id, cvss_score, cvss_version, severity) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   cvss_score=excluded.cvss_score,
		   cvss_version=excluded.cvss_version,
		   severity=excluded.severity`,
		c.ID, c.CVSSScore, string(c.CVSSVersion), c.Severity,
	)
	if err != nil {
		return fmt.Errorf("save cve: %w", err)
	}
	return nil
}

// GetCVE fetches a CVE by ID.
func (db *DB) GetCVE(id string) (CVE, bool, error) {
	var c CVE
	var version string
	err := db.QueryRow(
		`SELECT id, cvss_score, cvss_version, severity FROM cve WHERE id = ?`, id,
	).Scan(&c.ID, &c.CVSSScore, &version, &c.Severity)
	if err != nil {
		if err == sql.ErrNoRows {
			return CVE{}, false, nil
		}
		return CVE{}, false, fmt.Errorf("get cve: %w", err)
	}
	c.CVSSVersion = CVSSVersion(version)
	return c, true, nil
}

// KEV flags a CVE as known-exploited.
type KEV struct {
	ID              string `json:"id"`
	KnownRansomware bool   `json:"known_ransomware"`
}

// SaveKEV upserts a KEV record.
func (db *DB) SaveKEV(k KEV) error {
	_, err := db.Exec(
		`INSERT INTO kev (id, known_ransomware) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET known_ransomware=excluded.known_ransomware`,
		k.ID, k.KnownRansomware,
	)
	if err != nil {
		return fmt.Errorf("save kev: %w", err)
	}
	return nil
}

// GetKEV fetches a KEV record by CVE ID.
func (db *DB) GetKEV(id string) (KEV, bool, error) {
	var k KEV
	err := db.QueryRow(`SELECT id, known_ransomware FROM kev WHERE id = ?`, id).Scan(&k.ID, &k.KnownRansomware)
	if err != nil {
		if err == sql.ErrNoRows {
			return KEV{}, false, nil
		}
		return KEV{}, false, fmt.Errorf("get kev: %w", err)
	}
	return k, true, nil
}

// Place is a GNIS place record keyed by feature ID.
type Place struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Class           string  `json:"class"`
	State           string  `json:"state"`
	StateFIPS       string  `json:"state_fips"`
	StateName       string  `json:"state_name"`
	County          string  `json:"county,omitempty"`
	CountyFIPS      string  `json:"county_fips,omitempty"`
	Country         string  `json:"country"`
	CountryName     string  `json:"country_name"`
	LatitudeDec     float64 `json:"latitude_dec"`
	LongitudeDec    float64 `json:"longitude_dec"`
	ElevationMeters *int    `json:"elevation_meters,omitempty"`
}

// SavePlace upserts a place record.
func (db *DB) SavePlace(p Place) error {
	var elevation any
	if p.ElevationMeters != nil {
		elevation = *p.ElevationMeters
	}
	_, err := db.Exec(
		`INSERT INTO place (id, name, class, state, state_fips, state_name, county, county_fips, country, country_name, latitude_dec, longitude_dec, elevation_meters)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   class=excluded.class,
		   state=excluded.state,
		   state_fips=excluded.state_fips,
		   state_name=excluded.state_name,
		   county=excluded.county,
		   county_fips=excluded.county_fips,
		   country=excluded.country,
		   country_name=excluded.country_name,
		   latitude_dec=excluded.latitude_dec,
		   longitude_dec=excluded.longitude_dec,
		   elevation_meters=excluded.elevation_meters`,
		p.ID, p.Name, p.Class, p.State, p.StateFIPS, p.StateName, nullableString(p.County), nullableString(p.CountyFIPS),
		p.Country, p.CountryName, p.LatitudeDec, p.LongitudeDec, elevation,
	)
	if err != nil {
		return fmt.Errorf("save place: %w", err)
	}
	return nil
}

// GetPlace fetches a place record by feature ID.
func (db *DB) GetPlace(id int64) (Place, bool, error) {
	var p Place
	var county, countyFIPS sql.NullString
	var elevation sql.NullInt64
	err := db.QueryRow(
		`SELECT id, name, class, state, state_fips, state_name, county, county_fips, country, country_name, latitude_dec, longitude_dec, elevation_meters
		   FROM place WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Class, &p.State, &p.StateFIPS, &p.StateName, &county, &countyFIPS,
		&p.Country, &p.CountryName, &p.LatitudeDec, &p.LongitudeDec, &elevation)
	if err != nil {
		if err == sql.ErrNoRows {
			return Place{}, false, nil
		}
		return Place{}, false, fmt.Errorf("get place: %w", err)
	}
	p.County = county.String
	p.CountyFIPS = countyFIPS.String
	if elevation.Valid {
		meters := int(elevation.Int64)
		p.ElevationMeters = &meters
	}
	return p, true, nil
}

// Request is an enrolled entity's scan and report configuration, keyed by the
// entity's acronym.
type Request struct {
	ID           string          `json:"id"`
	Agency       json.RawMessage `json:"agency,omitempty"`
	Networks     []string        `json:"networks,omitempty"`
	ReportTypes  []string        `json:"report_types,omitempty"`
	ReportPeriod string          `json:"report_period"`
	Scheduler    string          `json:"scheduler"`
	Stakeholder  bool            `json:"stakeholder"`
	Children     []string        `json:"children,omitempty"`
	PeriodStart  *time.Time      `json:"period_start,omitempty"`
	LastChange   time.Time       `json:"last_change"`
}

// SaveRequest upserts a request record, refreshing last_change.
func (db *DB) SaveRequest(r Request) (Request, error) {
	r.LastChange = utcNow()
	_, err := db.Exec(
		`INSERT INTO request (id, agency, networks, report_types, report_period, scheduler, stakeholder, children, period_start, last_change)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agency=excluded.agency,
		   networks=excluded.networks,
		   report_types=excluded.report_types,
		   report_period=excluded.report_period,
		   scheduler=excluded.scheduler,
		   stakeholder=excluded.stakeholder,
		   children=excluded.children,
		   period_start=excluded.period_start,
		   last_change=excluded.last_change`,
		r.ID, nullableJSON(r.Agency), joinList(r.Networks), joinList(r.ReportTypes), r.ReportPeriod,
		r.Scheduler, r.Stakeholder, joinList(r.Children), nullableTime(r.PeriodStart), r.LastChange,
	)
	if err != nil {
		return Request{}, fmt.Errorf("save request: %w", err)
	}
	return r, nil
}

// GetRequest fetches a request record by entity acronym.
func (db *DB) GetRequest(id string) (Request, bool, error) {
	var r Request
	var agency, networks, reportTypes, children sql.NullString
	var periodStart sql.NullTime
	err := db.QueryRow(
		`SELECT id, agency, networks, report_types, report_period, scheduler, stakeholder, children, period_start, last_change
		   FROM request WHERE id = ?`, id,
	).Scan(&r.ID, &agency, &networks, &reportTypes, &r.ReportPeriod, &r.Scheduler, &r.Stakeholder, &children, &periodStart, &r.LastChange)
	if err != nil {
		if err == sql.ErrNoRows {
			return Request{}, false, nil
		}
		return Request{}, false, fmt.Errorf("get request: %w", err)
	}
	if agency.Valid {
		r.Agency = []byte(agency.String)
	}
	r.Networks = splitList(networks)
	r.ReportTypes = splitList(reportTypes)
	r.Children = splitList(children)
	if periodStart.Valid {
		start := periodStart.Time
		r.PeriodStart = &start
	}
	return r, true, nil
}

// Report records a generated report and the snapshots it covered.
type Report struct {
	ID            uuid.UUID   `json:"id"`
	Owner         string      `json:"owner"`
	GeneratedTime time.Time   `json:"generated_time"`
	ReportTypes   []string    `json:"report_types,omitempty"`
	Snapshots     []uuid.UUID `json:"snapshots,omitempty"`
}

// CreateReport stores a report record and returns it with its assigned ID.
func (db *DB) CreateReport(r Report) (Report, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.GeneratedTime.IsZero() {
		r.GeneratedTime = utcNow()
	}
	snapshots := make([]string, 0, len(r.Snapshots))
	for _, id := range r.Snapshots {
		snapshots = append(snapshots, id.String())
	}
	_, err := db.Exec(
		`INSERT INTO report (id, owner, generated_time, report_types, snapshots) VALUES (?, ?, ?, ?, ?)`,
		r.ID.String(), r.Owner, r.GeneratedTime, joinList(r.ReportTypes), joinList(snapshots),
	)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// GetReport fetches a report by ID.
func (db *DB) GetReport(id uuid.UUID) (Report, bool, error) {
	var r Report
	var idStr string
	var reportTypes, snapshots sql.NullString
	err := db.QueryRow(
		`SELECT id, owner, generated_time, report_types, snapshots FROM report WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &r.Owner, &r.GeneratedTime, &reportTypes, &snapshots)
	if err != nil {
		if err == sql.ErrNoRows {
			return Report{}, false, nil
		}
		return Report{}, false, fmt.Errorf("get report: %w", err)
	}
	r.ID = uuid.MustParse(idStr)
	r.ReportTypes = splitList(reportTypes)
	for _, s := range splitList(snapshots) {
		snapshotID, err := uuid.Parse(s)
		if err != nil {
			return Report{}, false, fmt.Errorf("parse report snapshot id: %w", err)
		}
		r.Snapshots = append(r.Snapshots, snapshotID)
	}
	return r, true, nil
}

// Notification marks a ticket as needing notification, tracking which owners
// it has already been generated for.
type Notification struct {
	ID           uuid.UUID `json:"id"`
	TicketID     uuid.UUID `json:"ticket_id"`
	TicketOwner  string    `json:"ticket_owner"`
	GeneratedFor []string  `json:"generated_for,omitempty"`
}

// SaveNotification upserts a notification record.
func (db *DB) SaveNotification(n Notification) (Notification, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := db.Exec(
		`INSERT INTO notification (id, ticket_id, ticket_owner, generated_for) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET generated_for=excluded.generated_for`,
		n.ID.String(), n.TicketID.String(), n.TicketOwner, joinList(n.GeneratedFor),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("save notification: %w", err)
	}
	return n, nil
}

// GetNotification fetches a notification by ID.
func (db *DB) GetNotification(id uuid.UUID) (Notification, bool, error) {
	var n Notification
	var idStr, ticketID string
	var generatedFor sql.NullString
	err := db.QueryRow(
		`SELECT id, ticket_id, ticket_owner, generated_for FROM notification WHERE id = ?`,
		id.String(),
	).Scan(&idStr, &ticketID, &n.TicketOwner, &generatedFor)
	if err != nil {
		if err == sql.ErrNoRows {
			return Notification{}, false, nil
		}
		return Notification{}, false, fmt.Errorf("get notification: %w", err)
	}
	n.ID = uuid.MustParse(idStr)
	parsed, err := uuid.Parse(ticketID)
	if err != nil {
		return Notification{}, false, fmt.Errorf("parse notification ticket id: %w", err)
	}
	n.TicketID = parsed
	n.GeneratedFor = splitList(generatedFor)
	return n, true, nil
}

// Tally is an owner's host counts broken down by stage and status.
type Tally struct {
	ID         string                   `json:"id"`
	Counts     map[Stage]map[Status]int `json:"counts"`
	LastChange time.Time                `json:"last_change"`
}

// SaveTally upserts a tally record, refreshing last_change.
func (db *DB) SaveTally(t Tally) (Tally, error) {
	t.LastChange = utcNow()
	var counts any
	if len(t.Counts) > 0 {
		encoded, err := json.Marshal(t.Counts)
		if err != nil {
			return Tally{}, fmt.Errorf("marshal tally counts: %w", err)
		}
		counts = string(encoded)
	}
	_, err := db.Exec(
		`INSERT INTO tally (id, counts, last_change) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET counts=excluded.counts, last_change=excluded.last_change`,
		t.ID, counts, t.LastChange,
	)
	if err != nil {
		return Tally{}, fmt.Errorf("save tally: %w", err)
	}
	return t, nil
}

// GetTally fetches an owner's tally.
func (db *DB) GetTally(id string) (Tally, bool, error) {
	var t Tally
	var counts sql.NullString
	err := db.QueryRow(`SELECT id, counts, last_change FROM tally WHERE id = ?`, id).Scan(&t.ID, &counts, &t.LastChange)
	if err != nil {
		if err == sql.ErrNoRows {
			return Tally{}, false, nil
		}
		return Tally{}, false, fmt.Errorf("get tally: %w", err)
	}
	if counts.Valid {
		if err := json.Unmarshal([]byte(counts.String), &t.Counts); err != nil {
			return Tally{}, false, fmt.Errorf("unmarshal tally counts: %w", err)
		}
	}
	return t, true, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
