package hoststate

import "testing"

func boolPtr(v bool) *bool { return &v }

func TestFuse(t *testing.T) {
	tests := []struct {
		name         string
		nmapSaysUp   *bool
		hasOpenPorts *bool
		reason       string
		want         State
		wantChanged  bool
	}{
		{
			name:         "open ports seen",
			hasOpenPorts: boolPtr(true),
			want:         State{Up: true, Reason: "open-port"},
			wantChanged:  true,
		},
		{
			name:         "open ports override nmap down",
			nmapSaysUp:   boolPtr(false),
			hasOpenPorts: boolPtr(true),
			reason:       "no-reply",
			want:         State{Up: true, Reason: "open-port"},
			wantChanged:  true,
		},
		{
			name:         "open ports override nmap up",
			nmapSaysUp:   boolPtr(true),
			hasOpenPorts: boolPtr(true),
			want:         State{Up: true, Reason: "open-port"},
			wantChanged:  true,
		},
		{
			name:         "port scan found nothing open",
			hasOpenPorts: boolPtr(false),
			want:         State{Up: false, Reason: "no-open"},
			wantChanged:  true,
		},
		{
			name:         "no open ports beats nmap up",
			nmapSaysUp:   boolPtr(true),
			hasOpenPorts: boolPtr(false),
			want:         State{Up: false, Reason: "no-open"},
			wantChanged:  true,
		},
		{
			name:        "nmap says down",
			nmapSaysUp:  boolPtr(false),
			reason:      "no-reply",
			want:        State{Up: false, Reason: "no-reply"},
			wantChanged: true,
		},
		{
			name:        "nmap up with unknown ports is no update",
			nmapSaysUp:  boolPtr(true),
			wantChanged: false,
		},
		{
			name:        "no evidence at all is no update",
			wantChanged: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := Fuse(tc.nmapSaysUp, tc.hasOpenPorts, tc.reason)
			if changed != tc.wantChanged {
				t.Fatalf("changed = %v, want %v", changed, tc.wantChanged)
			}
			if changed && got != tc.want {
				t.Fatalf("state = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestFuseNeverTouchesPriorState(t *testing.T) {
	// The caller keeps its prior state verbatim whenever no rule fires,
	// whatever that prior state was.
	priors := []State{
		{Up: true, Reason: "open-port"},
		{Up: false, Reason: "no-open"},
		{Up: false, Reason: "new"},
	}
	for _, prior := range priors {
		state := prior
		if got, changed := Fuse(boolPtr(true), nil, ""); changed {
			state = got
		}
		if state != prior {
			t.Fatalf("prior state %+v was overwritten to %+v", prior, state)
		}
	}
}
