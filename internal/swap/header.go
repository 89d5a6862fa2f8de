package swap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Layout of the Linux swap header, version 1.
const (
	swapMagic = "SWAPSPACE2"

	swapVersionOffset  = 1024
	swapLastPageOffset = 1028
	swapBadPagesOffset = 1032
	swapUUIDOffset     = 1036
	swapLabelOffset    = 1052
	swapLabelSize      = 16

	swapVersion = 1
)

type SwapHeader struct {
	UUID     uuid.UUID
	Label    string
	LastPage uint32
}

// NewSwapHeader builds the page mkswap would write for a device with
// the given capacity.
func NewSwapHeader(pageSize, capacity int64, id uuid.UUID, label string) ([]byte, error) {
	if len(label) > swapLabelSize {
		return nil, fmt.Errorf("label %q is longer than %d bytes", label, swapLabelSize)
	}

	if pageSize < int64(swapLabelOffset+swapLabelSize+len(swapMagic)) {
		return nil, fmt.Errorf("page size %d is too small for a swap header", pageSize)
	}

	page := make([]byte, pageSize)

	binary.NativeEndian.PutUint32(page[swapVersionOffset:], swapVersion)
	binary.NativeEndian.PutUint32(page[swapLastPageOffset:], uint32(capacity/pageSize-1))
	binary.NativeEndian.PutUint32(page[swapBadPagesOffset:], 0)
	copy(page[swapUUIDOffset:], id[:])
	copy(page[swapLabelOffset:], label)
	copy(page[pageSize-int64(len(swapMagic)):], swapMagic)

	return page, nil
}

// ParseSwapHeader reports whether page carries a version 1 swap signature.
func ParseSwapHeader(page []byte) (SwapHeader, bool) {
	if len(page) < swapLabelOffset+swapLabelSize+len(swapMagic) {
		return SwapHeader{}, false
	}

	if !bytes.Equal(page[len(page)-len(swapMagic):], []byte(swapMagic)) {
		return SwapHeader{}, false
	}

	if binary.NativeEndian.Uint32(page[swapVersionOffset:]) != swapVersion {
		return SwapHeader{}, false
	}

	var h SwapHeader

	copy(h.UUID[:], page[swapUUIDOffset:swapUUIDOffset+16])
	h.Label = string(bytes.TrimRight(page[swapLabelOffset:swapLabelOffset+swapLabelSize], "\x00"))
	h.LastPage = binary.NativeEndian.Uint32(page[swapLastPageOffset:])

	return h, true
}
