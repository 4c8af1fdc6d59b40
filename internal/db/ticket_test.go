package db

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestTicket(t *testing.T) *Ticket {
	t.Helper()
	ticket, err := NewTicket("192.0.2.50", 80, ProtocolTCP, "nessus", 12345, "ACME")
	if err != nil {
		t.Fatalf("new ticket: %v", err)
	}
	return ticket
}

func TestNewTicketRejectsBadIP(t *testing.T) {
	_, err := NewTicket("2001:db8::1", 80, ProtocolTCP, "nessus", 1, "ACME")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAddEventRejectsUnknownAction(t *testing.T) {
	ticket := newTestTicket(t)

	err := ticket.AddEvent(TicketAction("ESCALATED"), "nope", nil, time.Time{}, nil)
	var actionErr *InvalidActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("expected InvalidActionError, got %v", err)
	}
	// Rejection happens before the log is touched.
	if len(ticket.Events) != 0 {
		t.Fatalf("event log mutated: %v", ticket.Events)
	}
}

func TestAddEventDefaultsTime(t *testing.T) {
	ticket := newTestTicket(t)

	before := time.Now().UTC()
	if err := ticket.AddEvent(ActionOpened, "initial detection", nil, time.Time{}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	after := time.Now().UTC()

	if len(ticket.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(ticket.Events))
	}
	eventTime := ticket.Events[0].Time
	if eventTime.Before(before) || eventTime.After(after) {
		t.Fatalf("event time %v not defaulted to now", eventTime)
	}
}

func TestLastDetectionDate(t *testing.T) {
	ticket := newTestTicket(t)

	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := ticket.AddEvent(ActionOpened, "initial detection", nil, opened, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if got := ticket.LastDetectionDate(); !got.Equal(opened) {
		t.Fatalf("last detection = %v, want %v", got, opened)
	}

	// A later CHANGED event is not a detection.
	changed := opened.Add(time.Hour)
	if err := ticket.AddEvent(ActionChanged, "details updated", nil, changed, &EventDelta{Key: "details", From: "a", To: "b"}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if got := ticket.LastDetectionDate(); !got.Equal(opened) {
		t.Fatalf("last detection = %v, want %v", got, opened)
	}

	verified := opened.Add(2 * time.Hour)
	if err := ticket.AddEvent(ActionVerified, "verified", nil, verified, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if got := ticket.LastDetectionDate(); !got.Equal(verified) {
		t.Fatalf("last detection = %v, want %v", got, verified)
	}
}

func TestLastDetectionDateFallsBackToTimeOpened(t *testing.T) {
	ticket := newTestTicket(t)
	// No detection events at all: gracefully fall back to time_opened.
	if got := ticket.LastDetectionDate(); !got.Equal(ticket.TimeOpened) {
		t.Fatalf("fallback = %v, want %v", got, ticket.TimeOpened)
	}
}

func TestSetFalsePositive(t *testing.T) {
	ticket := newTestTicket(t)
	if err := ticket.AddEvent(ActionOpened, "initial detection", nil, time.Time{}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}

	ticket.SetFalsePositive(true, "known false positive", 30)

	if !ticket.FalsePositive || !ticket.Open {
		t.Fatalf("unexpected state: fp=%v open=%v", ticket.FalsePositive, ticket.Open)
	}
	if ticket.FPExpirationDate == nil {
		t.Fatal("expected expiration date")
	}
	wantExpiration := time.Now().UTC().Add(30 * 24 * time.Hour)
	if diff := ticket.FPExpirationDate.Sub(wantExpiration); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("expiration %v not ~30 days out", ticket.FPExpirationDate)
	}

	last := ticket.Events[len(ticket.Events)-1]
	if last.Action != ActionChanged || last.Delta == nil || last.Delta.Key != "false_positive" {
		t.Fatalf("unexpected final event: %+v", last)
	}
	if last.Delta.From != false || last.Delta.To != true {
		t.Fatalf("unexpected delta: %+v", last.Delta)
	}
}

func TestSetFalsePositiveIsIdempotent(t *testing.T) {
	ticket := newTestTicket(t)
	ticket.SetFalsePositive(true, "fp", 30)

	eventCount := len(ticket.Events)
	expiration := *ticket.FPExpirationDate

	// The second call appends no events and does not reset the clock.
	ticket.SetFalsePositive(true, "fp again", 90)

	if len(ticket.Events) != eventCount {
		t.Fatalf("repeat call appended events: %d -> %d", eventCount, len(ticket.Events))
	}
	if !ticket.FPExpirationDate.Equal(expiration) {
		t.Fatalf("repeat call moved expiration: %v -> %v", expiration, ticket.FPExpirationDate)
	}
}

func TestSetFalsePositiveReopensClosedTicket(t *testing.T) {
	ticket := newTestTicket(t)
	closed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ticket.Open = false
	ticket.TimeClosed = &closed

	ticket.SetFalsePositive(true, "fp", 30)

	if !ticket.Open || ticket.TimeClosed != nil {
		t.Fatalf("ticket not reopened: open=%v timeClosed=%v", ticket.Open, ticket.TimeClosed)
	}
	if len(ticket.Events) < 2 {
		t.Fatalf("expected REOPENED and CHANGED events, got %v", ticket.Events)
	}
	// REOPENED must precede CHANGED when both come from one call.
	reopened := ticket.Events[len(ticket.Events)-2]
	changed := ticket.Events[len(ticket.Events)-1]
	if reopened.Action != ActionReopened || reopened.Reason != "setting false positive" {
		t.Fatalf("unexpected penultimate event: %+v", reopened)
	}
	if changed.Action != ActionChanged || changed.Delta == nil || changed.Delta.Key != "false_positive" {
		t.Fatalf("unexpected final event: %+v", changed)
	}
	if changed.Delta.From != false || changed.Delta.To != true {
		t.Fatalf("unexpected delta: %+v", changed.Delta)
	}
}

func TestClearFalsePositiveDoesNotClose(t *testing.T) {
	ticket := newTestTicket(t)
	ticket.SetFalsePositive(true, "fp", 30)
	ticket.SetFalsePositive(false, "confirmed real", 0)

	if ticket.FalsePositive {
		t.Fatal("still false positive")
	}
	if !ticket.Open {
		t.Fatal("clearing false positive must not close the ticket")
	}
	if ticket.FPExpirationDate != nil {
		t.Fatalf("expiration not cleared: %v", ticket.FPExpirationDate)
	}
}

func TestFalsePositiveDates(t *testing.T) {
	ticket := newTestTicket(t)

	if _, _, ok := ticket.FalsePositiveDates(); ok {
		t.Fatal("expected no data while not a false positive")
	}

	ticket.SetFalsePositive(true, "fp", 14)

	effective, expiration, ok := ticket.FalsePositiveDates()
	if !ok {
		t.Fatal("expected dates")
	}
	changed := ticket.Events[len(ticket.Events)-1]
	if !effective.Equal(changed.Time) {
		t.Fatalf("effective = %v, want event time %v", effective, changed.Time)
	}
	if !expiration.Equal(*ticket.FPExpirationDate) {
		t.Fatalf("expiration = %v, want %v", expiration, ticket.FPExpirationDate)
	}
}

func TestCloseRejectsFalsePositive(t *testing.T) {
	ticket := newTestTicket(t)
	ticket.SetFalsePositive(true, "fp", 30)

	if err := ticket.Close("remediated"); !errors.Is(err, ErrFalsePositiveClosed) {
		t.Fatalf("expected ErrFalsePositiveClosed, got %v", err)
	}
	if !ticket.Open {
		t.Fatal("failed close mutated ticket")
	}
}

func TestLatestReference(t *testing.T) {
	ticket := newTestTicket(t)

	first := uuid.New()
	second := uuid.New()
	if err := ticket.AddEvent(ActionOpened, "initial detection", &first, time.Time{}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := ticket.AddEvent(ActionChanged, "note", nil, time.Time{}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := ticket.AddEvent(ActionVerified, "verified", &second, time.Time{}, nil); err != nil {
		t.Fatalf("add event: %v", err)
	}

	got, _, err := ticket.latestReference()
	if err != nil {
		t.Fatalf("latest reference: %v", err)
	}
	if got != second {
		t.Fatalf("latest reference = %v, want %v", got, second)
	}
}
