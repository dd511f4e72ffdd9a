package shm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_CreateDestroy(t *testing.T) {
	arena, err := Create(1 << 20)
	require.NoError(t, err)
	defer arena.Destroy()

	assert.True(t, arena.IsOwner())
	assert.Equal(t, uint64(1<<20), arena.Size())
	assert.Equal(t, uint64(0), arena.Allocated())
	assert.NotEmpty(t, arena.Name())

	// Destroy is safe to call twice.
	arena.Destroy()
	arena.Destroy()
}

func TestArena_AllocAlignment(t *testing.T) {
	arena, err := Create(1 << 16)
	require.NoError(t, err)
	defer arena.Destroy()

	// First allocation starts at 0; odd sizes force padding on the next one.
	off1, err := arena.Alloc(100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off1)

	off2, err := arena.Alloc(10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off2%DefaultAlignment)
	assert.Equal(t, uint64(128), off2)

	off3, err := arena.Alloc(1, 256)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off3%256)

	_, err = arena.Alloc(8, 3)
	assert.Error(t, err, "non power-of-two alignment must be rejected")
}

func TestArena_AllocExhaustion(t *testing.T) {
	arena, err := Create(4096)
	require.NoError(t, err)
	defer arena.Destroy()

	// Exactly fill capacity.
	off, err := arena.Alloc(4096, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(4096), arena.Allocated())

	// Next allocation must fail totally, with no partial state.
	_, err = arena.Alloc(1, 64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, uint64(4096), arena.Allocated())

	arena.Reset()
	assert.Equal(t, uint64(0), arena.Allocated())
	_, err = arena.Alloc(64, 64)
	assert.NoError(t, err)
}

func TestArena_AttachSharesBytes(t *testing.T) {
	owner, err := Create(1 << 16)
	require.NoError(t, err)
	defer owner.Destroy()

	offset, err := owner.Alloc(256, 64)
	require.NoError(t, err)
	src, err := owner.Bytes(offset, 256)
	require.NoError(t, err)
	for i := range src {
		src[i] = byte(i)
	}

	// A second mapping of the same object observes the bytes.
	attached, err := Attach(owner.Name(), owner.Size())
	require.NoError(t, err)
	defer attached.Destroy()
	assert.False(t, attached.IsOwner())

	view, err := attached.Bytes(offset, 256)
	require.NoError(t, err)
	assert.Equal(t, src, view)

	// Writes through the attachment are visible to the owner.
	view[0] = 0xAB
	assert.Equal(t, byte(0xAB), src[0])
}

func TestArena_AttachMissing(t *testing.T) {
	_, err := Attach("/npm-shm-does-not-exist", 4096)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestArena_BytesBounds(t *testing.T) {
	arena, err := Create(4096)
	require.NoError(t, err)
	defer arena.Destroy()

	_, err = arena.Bytes(0, 4096)
	assert.NoError(t, err)
	_, err = arena.Bytes(4095, 2)
	assert.Error(t, err)
	_, err = arena.Bytes(1<<62, 1<<62)
	assert.Error(t, err, "offset overflow must be caught")
}
