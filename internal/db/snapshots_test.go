package db

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeSnapshotRef(t *testing.T) {
	id := uuid.New()
	snapshot := &Snapshot{ID: id}

	tests := []struct {
		name  string
		input any
		want  uuid.UUID
		ok    bool
	}{
		{"live snapshot", snapshot, id, true},
		{"uuid", id, id, true},
		{"string", id.String(), id, true},
		{"bad string", "not-a-uuid", uuid.Nil, false},
		{"nil snapshot", (*Snapshot)(nil), uuid.Nil, false},
		{"wrong type", 42, uuid.Nil, false},
		{"nil", nil, uuid.Nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeSnapshotRef(tc.input)
			if tc.ok {
				if err != nil {
					t.Fatalf("normalize: %v", err)
				}
				if got != tc.want {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
				return
			}
			var refErr *InvalidSnapshotRefError
			if !errors.As(err, &refErr) {
				t.Fatalf("expected InvalidSnapshotRefError, got %v", err)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)
	snapshot, err := db.CreateSnapshot(Snapshot{
		Owner:           "ACME",
		StartTime:       start,
		EndTime:         end,
		HostCount:       12,
		PortCount:       40,
		Vulnerabilities: VulnCounts{Critical: 1, High: 2, Total: 3},
		Networks:        []string{"192.0.2.0/24"},
	})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if snapshot.ID == uuid.Nil {
		t.Fatal("expected assigned ID")
	}

	got, found, err := db.GetSnapshot(snapshot.ID)
	if err != nil || !found {
		t.Fatalf("get snapshot: found=%v err=%v", found, err)
	}
	if !got.Latest || got.HostCount != 12 || got.Vulnerabilities.Critical != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if len(got.Networks) != 1 || got.Networks[0] != "192.0.2.0/24" {
		t.Fatalf("networks lost: %v", got.Networks)
	}
}

func TestSnapshotTicketMetricsAndWorldRoundTrip(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	asOf := start.Add(6 * time.Hour)
	snapshot, err := db.CreateSnapshot(Snapshot{
		Owner:     "ACME",
		StartTime: start,
		EndTime:   start.Add(6 * time.Hour),
		TixMsecOpen: TicketOpenMetrics{
			AsOfDate: asOf,
			Critical: TicketMetrics{Max: 86400000, Median: 43200000},
		},
		TixMsecToClose: TicketCloseMetrics{
			ClosedAfterDate: start,
			High:            TicketMetrics{Max: 172800000, Median: 86400000},
		},
		World: WorldData{
			HostCount:       100000,
			CVSSAverageAll:  3.2,
			Vulnerabilities: VulnCounts{Critical: 40, Total: 900},
		},
	})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	got, found, err := db.GetSnapshot(snapshot.ID)
	if err != nil || !found {
		t.Fatalf("get snapshot: found=%v err=%v", found, err)
	}
	if !got.TixMsecOpen.AsOfDate.Equal(asOf) || got.TixMsecOpen.Critical.Median != 43200000 {
		t.Fatalf("open ticket metrics lost: %+v", got.TixMsecOpen)
	}
	if !got.TixMsecToClose.ClosedAfterDate.Equal(start) || got.TixMsecToClose.High.Max != 172800000 {
		t.Fatalf("close ticket metrics lost: %+v", got.TixMsecToClose)
	}
	if got.World.HostCount != 100000 || got.World.Vulnerabilities.Critical != 40 {
		t.Fatalf("world data lost: %+v", got.World)
	}
}

func TestSnapshotTicketMetricsDatesDefault(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	snapshot, err := db.CreateSnapshot(Snapshot{
		Owner:     "ACME",
		StartTime: utcNow().Add(-time.Hour),
		EndTime:   utcNow(),
	})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	// Unset metric dates default to the snapshot's last_change.
	if !snapshot.TixMsecOpen.AsOfDate.Equal(snapshot.LastChange) {
		t.Fatalf("as-of date not defaulted: %v", snapshot.TixMsecOpen.AsOfDate)
	}
	if !snapshot.TixMsecToClose.ClosedAfterDate.Equal(snapshot.LastChange) {
		t.Fatalf("closed-after date not defaulted: %v", snapshot.TixMsecToClose.ClosedAfterDate)
	}
}

func TestResetLatestSnapshots(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	first, err := db.CreateSnapshot(Snapshot{Owner: "ACME", StartTime: start, EndTime: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	if err := db.ResetLatestSnapshots("ACME"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second, err := db.CreateSnapshot(Snapshot{Owner: "ACME", StartTime: start.Add(time.Hour), EndTime: start.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	gotFirst, _, _ := db.GetSnapshot(first.ID)
	if gotFirst.Latest {
		t.Fatal("previous snapshot still latest")
	}
	gotSecond, _, _ := db.GetSnapshot(second.ID)
	if !gotSecond.Latest {
		t.Fatal("new snapshot not latest")
	}

	items, err := db.ListSnapshots("ACME")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(items) != 2 || items[0].ID != second.ID {
		t.Fatalf("unexpected snapshot order: %v", items)
	}
}

func TestTagSnapshotTagsScansAndTickets(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	scan := insertPortScan(t, db, "192.0.2.1", "ACME", 80)
	ticket := newTestTicket(t)
	saveTicket(t, db, ticket)

	snapshot, err := db.CreateSnapshot(Snapshot{Owner: "ACME", StartTime: utcNow().Add(-time.Hour), EndTime: utcNow()})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	if err := db.TagSnapshot([]string{"ACME"}, snapshot.ID.String()); err != nil {
		t.Fatalf("tag snapshot: %v", err)
	}

	gotScan, _, _ := db.GetPortScan(scan.ID)
	if len(gotScan.Snapshots) != 1 || gotScan.Snapshots[0] != snapshot.ID {
		t.Fatalf("scan not tagged: %v", gotScan.Snapshots)
	}
	gotTicket, _, _ := db.GetTicket(ticket.ID)
	if len(gotTicket.Snapshots) != 1 || gotTicket.Snapshots[0] != snapshot.ID {
		t.Fatalf("ticket not tagged: %v", gotTicket.Snapshots)
	}

	// The whole pass can be re-run safely.
	if err := db.TagSnapshot([]string{"ACME"}, snapshot.ID); err != nil {
		t.Fatalf("repeat tag snapshot: %v", err)
	}
	gotScan, _, _ = db.GetPortScan(scan.ID)
	if len(gotScan.Snapshots) != 1 {
		t.Fatalf("repeat pass duplicated scan refs: %v", gotScan.Snapshots)
	}
}

func TestTagSnapshotRejectsBadReferenceUpFront(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	ticket := newTestTicket(t)
	saveTicket(t, db, ticket)

	err := db.TagSnapshot([]string{"ACME"}, 3.14)
	var refErr *InvalidSnapshotRefError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected InvalidSnapshotRefError, got %v", err)
	}
	got, _, _ := db.GetTicket(ticket.ID)
	if len(got.Snapshots) != 0 {
		t.Fatalf("bad reference reached the store: %v", got.Snapshots)
	}
}
