// Package apperr defines the error kinds surfaced to the user. Every
// package returns plain wrapped errors internally and tags them with a
// Kind at its public boundary, so callers classify failures with
// errors.As / KindOf instead of matching strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for user-facing reporting.
type Kind int

const (
	Internal Kind = iota
	PermissionDenied
	RadioUnavailable
	DeviceNotFound
	ConnectFailed
	WriteFailed
	NoPartner
	NoDevice
	PartnerIsSelf
	PartnerNotFound
	DuplicatePartnership
	InvalidCredentials
	NetworkUnavailable
	NotFound
	NotSignedIn
	InvalidInput
	Busy
)

var kindNames = map[Kind]string{
	Internal:             "internal",
	PermissionDenied:     "permission denied",
	RadioUnavailable:     "radio unavailable",
	DeviceNotFound:       "device not found",
	ConnectFailed:        "connect failed",
	WriteFailed:          "write failed",
	NoPartner:            "no partner",
	NoDevice:             "no device",
	PartnerIsSelf:        "partner is self",
	PartnerNotFound:      "partner not found",
	DuplicatePartnership: "duplicate partnership",
	InvalidCredentials:   "invalid credentials",
	NetworkUnavailable:   "network unavailable",
	NotFound:             "not found",
	NotSignedIn:          "not signed in",
	InvalidInput:         "invalid input",
	Busy:                 "busy",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a kind-tagged error. Op names the operation that failed
// ("ble.connect", "backend.insert_touch").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kind-tagged error. err may be nil.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal when err carries none. A nil err has no kind and reports Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message renders err for a notification shown to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case PermissionDenied:
		return "Bluetooth permission was not granted."
	case RadioUnavailable:
		return "Bluetooth is unavailable. Make sure it is switched on."
	case DeviceNotFound:
		return "The device was not found. Scan again and pick a device from the list."
	case ConnectFailed:
		return "Could not connect to the device. Try again."
	case WriteFailed:
		return "The touch could not be delivered to the bracelet."
	case NoPartner:
		return "Link a partner account first."
	case NoDevice:
		return "Connect a bracelet first."
	case PartnerIsSelf:
		return "You cannot add yourself as a partner."
	case PartnerNotFound:
		return "No account is registered with that email."
	case DuplicatePartnership:
		return "This partnership already exists."
	case InvalidCredentials:
		return "Email or password is incorrect."
	case NetworkUnavailable:
		return "The network is unavailable. Check your connection."
	case NotSignedIn:
		return "Sign in first."
	case Busy:
		return "Another bracelet operation is still running."
	default:
		return err.Error()
	}
}
