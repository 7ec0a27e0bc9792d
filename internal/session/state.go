package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateStarting State = iota
	StateScanning
	StateStopped
	// StateUnavailable means the scanner platform could not be activated.
	StateUnavailable
	// StatePermissionDenied means the platform refused to scan.
	StatePermissionDenied
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	case StateUnavailable:
		return "unavailable"
	case StatePermissionDenied:
		return "permission_denied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateStarting; st <= StatePermissionDenied; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

var (
	// ErrPlatformUnavailable is returned by a Scanner that cannot scan at all.
	ErrPlatformUnavailable = errors.New("scanner platform unavailable")
	// ErrPermissionDenied is returned by a Scanner that is not allowed to scan.
	ErrPermissionDenied = errors.New("scan permission denied")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// stateForError maps a scanner start failure to the terminal session state.
func stateForError(err error) State {
	if errors.Is(err, ErrPermissionDenied) {
		return StatePermissionDenied
	}
	return StateUnavailable
}
