package swap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapHeader(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	page, err := NewSwapHeader(testPageSize, DefaultCapacity, id, "zram")
	require.NoError(t, err)
	require.Len(t, page, testPageSize)

	assert.Equal(t, "SWAPSPACE2", string(page[testPageSize-10:]))

	h, ok := ParseSwapHeader(page)
	require.True(t, ok)
	assert.Equal(t, id, h.UUID)
	assert.Equal(t, "zram", h.Label)
	assert.Equal(t, uint32(DefaultCapacity/testPageSize-1), h.LastPage)
}

func TestSwapHeader_Invalid(t *testing.T) {
	t.Parallel()

	_, ok := ParseSwapHeader(make([]byte, testPageSize))
	assert.False(t, ok)

	_, ok = ParseSwapHeader([]byte("SWAPSPACE2"))
	assert.False(t, ok)

	_, err := NewSwapHeader(testPageSize, DefaultCapacity, uuid.Nil, "a label that is too long")
	require.Error(t, err)

	_, err = NewSwapHeader(1024, DefaultCapacity, uuid.Nil, "zram")
	require.Error(t, err)
}
