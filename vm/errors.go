package vm

import (
	"errors"
	"fmt"
)

// Allocation and lookup failures. These are sentinel errors so that
// callers can branch with errors.Is.
var (
	// ErrTooManyGuests is returned by Allocate when the configured
	// maximum number of concurrently live guests is reached.
	ErrTooManyGuests = errors.New("too many guests")

	// ErrOutOfSpace is returned by Allocate when no free region of the
	// required size is left in the atlas.
	ErrOutOfSpace = errors.New("out of atlas space")

	// ErrGuestNotFound is returned by operations that name a guest ID
	// that is not live.
	ErrGuestNotFound = errors.New("guest not found")
)

// AccessViolation describes why a permission check failed.
type AccessViolation int

// The kinds of access violation a translation can report.
const (
	ViolationWrite AccessViolation = iota
	ViolationExecute
)

func (v AccessViolation) String() string {
	switch v {
	case ViolationWrite:
		return "write to non-writable page"
	case ViolationExecute:
		return "execute of non-executable page"
	default:
		return fmt.Sprintf("unknown violation %d", int(v))
	}
}

// A PageFaultError reports a translation of a virtual address whose VPN
// has no present mapping. It carries enough context for the caller to
// decide whether to map the page and retry or to terminate the guest.
type PageFaultError struct {
	GuestID GuestID
	VPN     uint64
}

func (e PageFaultError) Error() string {
	return fmt.Sprintf("page fault: guest %d, vpn 0x%x", e.GuestID, e.VPN)
}

// A PermissionError reports an access that resolved to a present mapping
// but violated its access flags.
type PermissionError struct {
	GuestID   GuestID
	VPN       uint64
	Violation AccessViolation
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("permission denied: guest %d, vpn 0x%x, %s",
		e.GuestID, e.VPN, e.Violation)
}
