package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a malformed field value, detected at construction
// before any store interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvariantError reports a document that violates a domain invariant,
// detected at the persistence boundary. The write is rejected and the stored
// document is left untouched.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return e.Reason
}

// Save-time ticket invariant violations.
var (
	ErrFalsePositiveClosed = &InvariantError{Reason: "a ticket marked as a false positive cannot be closed"}
	ErrExpirationMismatch  = &InvariantError{Reason: "fp_expiration_date must be set if and only if the ticket is a false positive"}
)

// InvalidSnapshotRefError reports a snapshot reference that is not one of the
// accepted forms (*Snapshot, uuid.UUID, or the UUID's string encoding).
type InvalidSnapshotRefError struct {
	Value any
}

func (e *InvalidSnapshotRefError) Error() string {
	return fmt.Sprintf("invalid snapshot reference of type %T", e.Value)
}

// InvalidActionError reports an event action outside the fixed vocabulary.
type InvalidActionError struct {
	Action TicketAction
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %q cannot be added to ticket events", string(e.Action))
}

// ScanNotFoundError reports a ticket event reference that no longer resolves
// to a scan record. This can happen legitimately after archival, so the error
// carries everything the ticket knows about the missing record.
type ScanNotFoundError struct {
	Kind     ScanKind
	TicketID uuid.UUID
	ScanID   uuid.UUID
	ScanTime time.Time
}

func (e *ScanNotFoundError) Error() string {
	return fmt.Sprintf("ticket %s: referenced %s scan %s at time %s not found",
		e.TicketID, e.Kind, e.ScanID, e.ScanTime.Format(time.RFC3339))
}

// NoEventReferencesError reports a ticket whose event log carries no scan
// references at all. Tickets are always created from a scan detection, so
// this indicates a defect upstream, not a normal runtime condition.
type NoEventReferencesError struct {
	TicketID uuid.UUID
}

func (e *NoEventReferencesError) Error() string {
	return fmt.Sprintf("no references found in ticket events: %s", e.TicketID)
}
