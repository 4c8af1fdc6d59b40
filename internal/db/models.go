package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cisagov/cyhy-db/internal/hoststate"
)

// Stage identifies a scan stage in the host workflow.
type Stage string

// Scan stages, in workflow order.
const (
	StageNetscan1 Stage = "NETSCAN1"
	StageNetscan2 Stage = "NETSCAN2"
	StagePortscan Stage = "PORTSCAN"
	StageVulnscan Stage = "VULNSCAN"
)

// Status identifies where a host sits in the work queue.
type Status string

// Host statuses.
const (
	StatusWaiting Status = "WAITING"
	StatusReady   Status = "READY"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
)

// Protocol is a transport protocol on a scanned port.
type Protocol string

// Protocols.
const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// TicketAction is the fixed vocabulary of ticket event actions.
type TicketAction string

// Ticket event actions.
const (
	ActionOpened     TicketAction = "OPENED"
	ActionVerified   TicketAction = "VERIFIED"
	ActionReopened   TicketAction = "REOPENED"
	ActionUnverified TicketAction = "UNVERIFIED"
	ActionChanged    TicketAction = "CHANGED"
	ActionClosed     TicketAction = "CLOSED"
)

func validAction(a TicketAction) bool {
	switch a {
	case ActionOpened, ActionVerified, ActionReopened, ActionUnverified, ActionChanged, ActionClosed:
		return true
	}
	return false
}

// ControlAction is a commander control action.
type ControlAction string

// Control actions.
const (
	ControlPause ControlAction = "PAUSE"
	ControlStop  ControlAction = "STOP"
)

// ControlTarget is the recipient of a control action.
type ControlTarget string

// Control targets.
const TargetCommander ControlTarget = "COMMANDER"

// CVSSVersion is a CVSS scoring standard version.
type CVSSVersion string

// CVSS versions.
const (
	CVSSV2  CVSSVersion = "2.0"
	CVSSV3  CVSSVersion = "3.0"
	CVSSV31 CVSSVersion = "3.1"
)

// ScanMeta is the shape shared by every scan record kind. IPInt is the integer
// form of IPAddress and is derived at insert time; Latest marks the most
// recent record for (owner, ip) within one kind.
type ScanMeta struct {
	ID        uuid.UUID   `json:"id"`
	IPAddress string      `json:"ip"`
	IPInt     int64       `json:"ip_int"`
	Latest    bool        `json:"latest"`
	Owner     string      `json:"owner"`
	Source    string      `json:"source"`
	Time      time.Time   `json:"time"`
	Snapshots []uuid.UUID `json:"snapshots,omitempty"`
}

// HostScan is an OS fingerprint observation.
type HostScan struct {
	ScanMeta
	Name     string          `json:"name"`
	Accuracy int             `json:"accuracy"`
	Line     int             `json:"line"`
	Classes  json.RawMessage `json:"classes,omitempty"`
}

// PortScan is a single port observation.
type PortScan struct {
	ScanMeta
	Port     int             `json:"port"`
	Protocol Protocol        `json:"protocol"`
	State    string          `json:"state"`
	Reason   string          `json:"reason"`
	Service  json.RawMessage `json:"service,omitempty"`
}

// VulnScan is a vulnerability detection from a plugin-based scanner.
type VulnScan struct {
	ScanMeta
	Port                   int       `json:"port"`
	Protocol               Protocol  `json:"protocol"`
	CVSSBaseScore          float64   `json:"cvss_base_score"`
	CVSSVector             string    `json:"cvss_vector"`
	Description            string    `json:"description"`
	FName                  string    `json:"fname"`
	PluginFamily           string    `json:"plugin_family"`
	PluginID               int       `json:"plugin_id"`
	PluginModificationDate time.Time `json:"plugin_modification_date"`
	PluginName             string    `json:"plugin_name"`
	PluginPublicationDate  time.Time `json:"plugin_publication_date"`
	PluginType             string    `json:"plugin_type"`
	RiskFactor             string    `json:"risk_factor"`
	Service                string    `json:"service"`
	Severity               int       `json:"severity"`
	Solution               string    `json:"solution"`
	Synopsis               string    `json:"synopsis"`
}

// Host is a scannable address and its workflow bookkeeping. ID is the integer
// form of the IPv4 address. R is a uniform random tie-breaker assigned once at
// creation for the claim ordering (status, stage, owner, priority, r).
type Host struct {
	ID         int64               `json:"_id"`
	IPAddress  string              `json:"ip"`
	Owner      string              `json:"owner"`
	Stage      Stage               `json:"stage"`
	Status     Status              `json:"status"`
	Priority   int                 `json:"priority"`
	R          float64             `json:"r"`
	State      hoststate.State     `json:"state"`
	LatestScan map[Stage]time.Time `json:"latest_scan,omitempty"`
	Loc        []float64           `json:"loc,omitempty"`
	NextScan   *time.Time          `json:"next_scan,omitempty"`
	LastChange time.Time           `json:"last_change"`
}

// VulnCounts breaks vulnerabilities down by severity.
type VulnCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// TicketMetrics are max/median ticket ages in milliseconds for one severity.
type TicketMetrics struct {
	Max    int64 `json:"max"`
	Median int64 `json:"median"`
}

// TicketOpenMetrics reports how long still-open tickets had been open as of
// the stated date.
type TicketOpenMetrics struct {
	AsOfDate time.Time     `json:"tix_open_as_of_date"`
	Critical TicketMetrics `json:"critical"`
	High     TicketMetrics `json:"high"`
	Medium   TicketMetrics `json:"medium"`
	Low      TicketMetrics `json:"low"`
}

// TicketCloseMetrics reports time-to-close for tickets closed at or after the
// stated date.
type TicketCloseMetrics struct {
	ClosedAfterDate time.Time     `json:"tix_closed_after_date"`
	Critical        TicketMetrics `json:"critical"`
	High            TicketMetrics `json:"high"`
	Medium          TicketMetrics `json:"medium"`
	Low             TicketMetrics `json:"low"`
}

// WorldData is the aggregate across every enrolled entity, attached to a
// snapshot for contextual comparison.
type WorldData struct {
	CVSSAverageAll        float64    `json:"cvss_average_all"`
	CVSSAverageVulnerable float64    `json:"cvss_average_vulnerable"`
	HostCount             int        `json:"host_count"`
	VulnerableHostCount   int        `json:"vulnerable_host_count"`
	Vulnerabilities       VulnCounts `json:"vulnerabilities"`
	UniqueVulnerabilities VulnCounts `json:"unique_vulnerabilities"`
}

// Snapshot is a point-in-time aggregate over an owner's scan data. The ID is
// assigned at creation and immutable; scans and tickets record snapshot
// membership by this ID.
type Snapshot struct {
	ID                     uuid.UUID          `json:"id"`
	Owner                  string             `json:"owner"`
	StartTime              time.Time          `json:"start_time"`
	EndTime                time.Time          `json:"end_time"`
	Latest                 bool               `json:"latest"`
	LastChange             time.Time          `json:"last_change"`
	AddressesScanned       int                `json:"addresses_scanned"`
	HostCount              int                `json:"host_count"`
	VulnerableHostCount    int                `json:"vulnerable_host_count"`
	PortCount              int                `json:"port_count"`
	UniquePortCount        int                `json:"unique_port_count"`
	UniqueOperatingSystems int                `json:"unique_operating_systems"`
	CVSSAverageAll         float64            `json:"cvss_average_all"`
	CVSSAverageVulnerable  float64            `json:"cvss_average_vulnerable"`
	Vulnerabilities        VulnCounts         `json:"vulnerabilities"`
	UniqueVulnerabilities  VulnCounts         `json:"unique_vulnerabilities"`
	TixMsecOpen            TicketOpenMetrics  `json:"tix_msec_open"`
	TixMsecToClose         TicketCloseMetrics `json:"tix_msec_to_close"`
	World                  WorldData          `json:"world"`
	Networks               []string           `json:"networks,omitempty"`
	DescendantsIncluded    []string           `json:"descendants_included,omitempty"`
	Services               json.RawMessage    `json:"services,omitempty"`
}

// EventDelta records a single field change carried by a CHANGED event.
type EventDelta struct {
	Key  string `json:"key"`
	From any    `json:"from"`
	To   any    `json:"to"`
}

// TicketEvent is one entry in a ticket's append-only event log. Reference, if
// set, points at the scan record that produced or verified the finding.
type TicketEvent struct {
	Action    TicketAction `json:"action"`
	Reason    string       `json:"reason"`
	Time      time.Time    `json:"time"`
	Reference *uuid.UUID   `json:"reference,omitempty"`
	Delta     *EventDelta  `json:"delta,omitempty"`
}

// Ticket is a long-lived finding with an audit trail of state changes.
type Ticket struct {
	ID               uuid.UUID       `json:"id"`
	IPAddress        string          `json:"ip"`
	IPInt            int64           `json:"ip_int"`
	Port             int             `json:"port"`
	Protocol         Protocol        `json:"protocol"`
	Source           string          `json:"source"`
	SourceID         int             `json:"source_id"`
	Owner            string          `json:"owner"`
	Open             bool            `json:"open"`
	FalsePositive    bool            `json:"false_positive"`
	FPExpirationDate *time.Time      `json:"fp_expiration_date,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	Loc              []float64       `json:"loc,omitempty"`
	TimeOpened       time.Time       `json:"time_opened"`
	TimeClosed       *time.Time      `json:"time_closed,omitempty"`
	LastChange       time.Time       `json:"last_change"`
	Events           []TicketEvent   `json:"events"`
	Snapshots        []uuid.UUID     `json:"snapshots,omitempty"`
}

// SystemControl is a one-shot control request for the scan commander.
// Completed is flipped by the actor once the action has taken effect.
type SystemControl struct {
	ID        uuid.UUID     `json:"id"`
	Action    ControlAction `json:"action"`
	Target    ControlTarget `json:"target"`
	Sender    string        `json:"sender"`
	Reason    string        `json:"reason"`
	Completed bool          `json:"completed"`
	Time      time.Time     `json:"time"`
}
