// Package hoststate fuses scan evidence into a host up/down state.
package hoststate

// State is a host's up/down determination and the evidence it rests on.
type State struct {
	Up     bool   `json:"up"`
	Reason string `json:"reason"`
}

// Fuse computes a new host state from stage evidence. nmapSaysUp and
// hasOpenPorts are tri-state: nil means the stage produced no signal. nmap's
// notion of "up" only means the host replied, not that anything is listening,
// so port evidence always wins. The first matching rule applies:
//
//  1. open ports seen: up.
//  2. port scan ran and found nothing open: down.
//  3. nmap says the host is down: down, with the caller's reason.
//  4. otherwise no determination: the prior state must be kept.
//
// The second return value is false when no rule fired; callers must not
// overwrite prior state in that case.
func Fuse(nmapSaysUp, hasOpenPorts *bool, reason string) (State, bool) {
	switch {
	case hasOpenPorts != nil && *hasOpenPorts:
		return State{Up: true, Reason: "open-port"}, true
	case hasOpenPorts != nil && !*hasOpenPorts:
		return State{Up: false, Reason: "no-open"}, true
	case nmapSaysUp != nil && !*nmapSaysUp:
		return State{Up: false, Reason: reason}, true
	}
	return State{}, false
}
