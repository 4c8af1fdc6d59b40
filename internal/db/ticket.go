package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NewTicket opens a ticket for a finding. The caller is responsible for
// recording the initiating OPENED event before saving.
func NewTicket(ip string, port int, protocol Protocol, source string, sourceID int, owner string) (*Ticket, error) {
	ipInt, ok := ipv4ToInt(ip)
	if !ok {
		return nil, &ValidationError{Field: "ip", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
	}
	now := utcNow()
	return &Ticket{
		ID:         uuid.New(),
		IPAddress:  ip,
		IPInt:      ipInt,
		Port:       port,
		Protocol:   protocol,
		Source:     source,
		SourceID:   sourceID,
		Owner:      owner,
		Open:       true,
		TimeOpened: now,
		LastChange: now,
	}, nil
}

// AddEvent appends an event to the ticket's log. The action is checked
// against the fixed vocabulary before the log is touched; a zero time
// defaults to now. Events are append-only: nothing ever mutates or removes
// an entry once added.
func (t *Ticket) AddEvent(action TicketAction, reason string, reference *uuid.UUID, at time.Time, delta *EventDelta) error {
	if !validAction(action) {
		return &InvalidActionError{Action: action}
	}
	if at.IsZero() {
		at = utcNow()
	}
	t.Events = append(t.Events, TicketEvent{
		Action:    action,
		Reason:    reason,
		Time:      at,
		Reference: reference,
		Delta:     delta,
	})
	return nil
}

// appendEvent is AddEvent for the state machine's own fixed actions, which
// are always in vocabulary.
func (t *Ticket) appendEvent(action TicketAction, reason string, at time.Time, delta *EventDelta) {
	t.Events = append(t.Events, TicketEvent{Action: action, Reason: reason, Time: at, Delta: delta})
}

// SetFalsePositive moves the ticket in or out of false-positive suppression.
// Setting the state it already has is a complete no-op: no event is appended
// and the expiration clock is not reset. Marking a closed ticket false
// positive reopens it first (REOPENED precedes the CHANGED event). Clearing
// false positive drops the expiration but never closes the ticket.
func (t *Ticket) SetFalsePositive(newState bool, reason string, expireDays int) {
	if t.FalsePositive == newState {
		return
	}

	delta := &EventDelta{Key: "false_positive", From: t.FalsePositive, To: newState}
	t.FalsePositive = newState
	now := utcNow()
	var expiration *time.Time

	if newState {
		// Only include the expiration date when setting false_positive to true.
		exp := now.Add(time.Duration(expireDays) * 24 * time.Hour)
		expiration = &exp

		// False positive tickets must always be open.
		if !t.Open {
			t.Open = true
			t.TimeClosed = nil
			t.appendEvent(ActionReopened, "setting false positive", now, nil)
		}
	}

	t.appendEvent(ActionChanged, reason, now, delta)
	t.FPExpirationDate = expiration
}

// FalsePositiveDates returns the effective and expiration times of the
// current false-positive window. Only meaningful while the ticket is a false
// positive; otherwise, or if no matching change event exists, ok is false.
func (t *Ticket) FalsePositiveDates() (effective, expiration time.Time, ok bool) {
	if !t.FalsePositive {
		return time.Time{}, time.Time{}, false
	}
	for i := len(t.Events) - 1; i >= 0; i-- {
		event := t.Events[i]
		if event.Delta == nil {
			continue
		}
		if event.Action == ActionChanged && event.Delta.Key == "false_positive" {
			if t.FPExpirationDate != nil {
				expiration = *t.FPExpirationDate
			}
			return event.Time, expiration, true
		}
	}
	return time.Time{}, time.Time{}, false
}

// LastDetectionDate returns the time of the most recent detection event
// (OPENED, VERIFIED, or REOPENED). A correctly built log always has one; if
// none is found the ticket's open time is returned and the malformed log is
// logged, since it points at a defect upstream.
func (t *Ticket) LastDetectionDate() time.Time {
	for i := len(t.Events) - 1; i >= 0; i-- {
		switch t.Events[i].Action {
		case ActionOpened, ActionVerified, ActionReopened:
			return t.Events[i].Time
		}
	}
	logrus.WithField("ticket", t.ID).Warn("no detection events in ticket log; falling back to time_opened")
	return t.TimeOpened
}

// latestReference walks the event log newest-first for the most recent scan
// reference. A log with no references at all is an upstream defect.
func (t *Ticket) latestReference() (uuid.UUID, time.Time, error) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		if ref := t.Events[i].Reference; ref != nil {
			return *ref, t.Events[i].Time, nil
		}
	}
	return uuid.Nil, time.Time{}, &NoEventReferencesError{TicketID: t.ID}
}

// LatestPortScan resolves the most recently referenced port scan in the
// ticket's event log. Only meaningful for tickets generated by port scans.
// A reference that no longer resolves (the record may have been archived)
// is reported as ScanNotFoundError with everything the ticket knows.
func (db *DB) LatestPortScan(t *Ticket) (PortScan, error) {
	refID, refTime, err := t.latestReference()
	if err != nil {
		return PortScan{}, err
	}
	scan, found, err := db.GetPortScan(refID)
	if err != nil {
		return PortScan{}, err
	}
	if !found {
		return PortScan{}, &ScanNotFoundError{Kind: KindPortScan, TicketID: t.ID, ScanID: refID, ScanTime: refTime}
	}
	return scan, nil
}

// LatestVulnScan resolves the most recently referenced vulnerability scan in
// the ticket's event log. Only meaningful for tickets generated by vuln scans.
func (db *DB) LatestVulnScan(t *Ticket) (VulnScan, error) {
	refID, refTime, err := t.latestReference()
	if err != nil {
		return VulnScan{}, err
	}
	scan, found, err := db.GetVulnScan(refID)
	if err != nil {
		return VulnScan{}, err
	}
	if !found {
		return VulnScan{}, &ScanNotFoundError{Kind: KindVulnScan, TicketID: t.ID, ScanID: refID, ScanTime: refTime}
	}
	return scan, nil
}
