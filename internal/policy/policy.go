package policy

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Mode selects who is trusted to write attendance: an unlocked organizer
// station scanning badges, or attendees confirming their own presence.
type Mode int

const (
	// ModeSelfCheckIn is the default and most restrictive mode. A device may
	// confirm its own presence once and never writes the shared roster.
	ModeSelfCheckIn Mode = iota
	// ModeOrganizerScan admits scans and typed entries into the roster while
	// the organizer lock is open.
	ModeOrganizerScan
)

func (m Mode) String() string {
	if m == ModeOrganizerScan {
		return "organizer-scan"
	}
	return "self-check-in"
}

// ParseMode maps the wire spelling back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "self-check-in":
		return ModeSelfCheckIn, nil
	case "organizer-scan":
		return ModeOrganizerScan, nil
	default:
		return ModeSelfCheckIn, fmt.Errorf("unknown mode %q", s)
	}
}

// Lock is the organizer gate. Once opened it stays open for the rest of the
// session; the only way back to locked is a full station reset.
type Lock struct {
	Unlocked bool
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason string
}

// Deny reasons carried on unauthorized outcomes.
const (
	ReasonLocked         = "locked"
	ReasonAlreadyChecked = "already-checked-in"
)

// ErrInvalidPIN is returned for any failed unlock attempt. The message stays
// deliberately flat so callers cannot tell a near miss from a wild guess.
var ErrInvalidPIN = errors.New("invalid-pin")

// Authorize decides whether the acting device may attempt a write under the
// current mode and lock state. attempted is the device's one-shot
// self-check-in flag; it only matters in self-check-in mode.
func Authorize(mode Mode, lock Lock, attempted bool) Decision {
	if mode == ModeOrganizerScan {
		if !lock.Unlocked {
			return Decision{Reason: ReasonLocked}
		}
		return Decision{Allow: true}
	}
	if attempted {
		return Decision{Reason: ReasonAlreadyChecked}
	}
	return Decision{Allow: true}
}

// AuthorizeManual gates typed entries. Manual entry is an organizer action:
// while the station is locked it is denied no matter the mode.
func AuthorizeManual(lock Lock) Decision {
	if !lock.Unlocked {
		return Decision{Reason: ReasonLocked}
	}
	return Decision{Allow: true}
}

// Unlock compares the entered PIN with the configured one. The comparison is
// exact and constant-time, and an unconfigured PIN never unlocks.
func Unlock(input, configured string) error {
	if configured == "" {
		return ErrInvalidPIN
	}
	if subtle.ConstantTimeCompare([]byte(input), []byte(configured)) != 1 {
		return ErrInvalidPIN
	}
	return nil
}
