package swap

import (
	"context"
	"fmt"
)

type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}

	return "read"
}

// Origin identifies who issued a request. The device cannot tell this by
// itself; the transport stamps it using an OriginDetector.
type Origin int

const (
	OriginUser Origin = iota
	OriginPager
)

func (o Origin) String() string {
	if o == OriginPager {
		return "pager"
	}

	return "user"
}

type OriginDetector interface {
	Origin(ctx context.Context) Origin
}

// Segment is a page-backed part of a request.
// The bytes moved are Data[Offset : Offset+Length].
type Segment struct {
	Data   []byte
	Offset int
	Length int
}

func (s Segment) bytes() []byte {
	return s.Data[s.Offset : s.Offset+s.Length]
}

type Request struct {
	Direction Direction
	// Sector is the start address in 512 byte sectors.
	Sector   uint64
	Length   int
	Segments []Segment
	Origin   Origin
}

// NewPageRequest wraps a single buffer into a request starting at the byte offset off.
// Byte transports address the device directly, so off has to be sector aligned.
// Offsets past the device are left for Validate to reject.
func NewPageRequest(dir Direction, off uint64, buf []byte, origin Origin) (*Request, error) {
	if off%SectorSize != 0 {
		return nil, fmt.Errorf("%w: byte offset %d", ErrMisaligned, off)
	}

	return &Request{
		Direction: dir,
		Sector:    off >> SectorShift,
		Length:    len(buf),
		Segments: []Segment{{
			Data:   buf,
			Offset: 0,
			Length: len(buf),
		}},
		Origin: origin,
	}, nil
}
