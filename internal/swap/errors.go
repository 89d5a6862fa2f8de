package swap

import "errors"

// Every failure surfaces to the transport as a single I/O error; the kinds
// below only exist for logging and tests.
var (
	ErrOutOfBounds       = errors.New("start sector is outside of the device")
	ErrMisaligned        = errors.New("request is not aligned to the logical block size")
	ErrOversized         = errors.New("request spans more than one page")
	ErrSegmentMisaligned = errors.New("segment is not a full page at offset zero")
	ErrProtocolViolation = errors.New("write outside of the swap header")
	ErrOriginRejected    = errors.New("request from the paging subsystem")
	ErrResourceExhausted = errors.New("cannot allocate the swap header page")
)

// expected reports whether err is a failure that tooling triggers during
// normal probing.
func expected(err error) bool {
	return errors.Is(err, ErrOriginRejected) ||
		errors.Is(err, ErrOutOfBounds) ||
		errors.Is(err, ErrMisaligned) ||
		errors.Is(err, ErrOversized) ||
		errors.Is(err, ErrSegmentMisaligned)
}
