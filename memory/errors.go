package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrPageFault is the class of translation failures: unmapped pages and
	// permission violations.
	ErrPageFault = errors.New("page fault")

	// ErrOutOfMemory is returned when the backing arena is exhausted.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidArgument is returned for requests outside the guest address
	// space or the arena.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIgnoredAccess is returned by Space.Translate for an unmapped
	// low-address access that the legacy fallback swallows. Such an access
	// has no arena offset: reads see zero and writes are dropped.
	ErrIgnoredAccess = errors.New("ignored low-address access")
)

// FaultReason tells why a translation failed.
type FaultReason uint8

// Fault reasons.
const (
	FaultUnmapped FaultReason = iota
	FaultPermission
	FaultMirrorDepth
)

// PageFaultError describes a failed translation.
type PageFaultError struct {
	Addr   uint64
	Perm   Perm
	Reason FaultReason
}

func (e *PageFaultError) Error() string {
	switch e.Reason {
	case FaultPermission:
		return fmt.Sprintf("page fault at 0x%X: %s access not permitted", e.Addr, e.Perm)
	case FaultMirrorDepth:
		return fmt.Sprintf("page fault at 0x%X: mirror chain too deep", e.Addr)
	default:
		return fmt.Sprintf("page fault at 0x%X: unmapped", e.Addr)
	}
}

// Unwrap returns ErrPageFault.
func (e *PageFaultError) Unwrap() error {
	return ErrPageFault
}

// OutOfMemoryError describes a failed arena allocation.
type OutOfMemoryError struct {
	Size uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory allocating 0x%X bytes", e.Size)
}

// Unwrap returns ErrOutOfMemory.
func (e *OutOfMemoryError) Unwrap() error {
	return ErrOutOfMemory
}

// IsFatal reports whether err must terminate the guest thread that caused it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPageFault) || errors.Is(err, ErrOutOfMemory)
}
