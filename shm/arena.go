// Package shm provides a named, interprocess-visible shared-memory arena with a monotonic bump
// allocator.
//
// The client process creates an arena and hands its name to the emulator over the HELLO
// handshake; the emulator attaches read-write. Tensor payloads then move through the arena
// zero-copy while only small control messages traverse the socket. Allocation is monotonic:
// individual blocks are never freed, only the whole arena resets.
package shm

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultAlignment is the cache-line alignment applied when Alloc is given alignment 0.
const DefaultAlignment = 64

// shmDir is where POSIX shared-memory objects appear on Linux.
const shmDir = "/dev/shm"

// Arena is a named mmap-backed contiguous region. The creating process owns the underlying
// object and unlinks it on Destroy; attaching processes only unmap.
type Arena struct {
	name      string
	data      []byte
	allocated uint64
	owner     bool
}

// objectPath maps a POSIX shm name ("/npm-shm-123") to its filesystem path.
func objectPath(name string) string {
	return shmDir + "/" + strings.TrimPrefix(name, "/")
}

// Create builds a new shared-memory arena of the given size. The name is derived from the
// process id plus a short random suffix so multiple arenas can coexist within one process.
func Create(size uint64) (*Arena, error) {
	if size == 0 {
		return nil, errors.Wrap(ErrOutOfMemory, "arena size must be positive")
	}
	name := fmt.Sprintf("/npm-shm-%d-%s", os.Getpid(), uuid.NewString()[:8])
	fd, err := unix.Open(objectPath(name), unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "creating shared memory object %s: %v", name, err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(objectPath(name))
		return nil, errors.Wrapf(ErrOutOfMemory, "sizing shared memory object %s to %d bytes: %v", name, size, err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(objectPath(name))
		return nil, errors.Wrapf(ErrOutOfMemory, "mapping shared memory object %s: %v", name, err)
	}
	return &Arena{name: name, data: data, owner: true}, nil
}

// Attach maps an existing named arena read-write. The attaching process does not own the
// object and will not unlink it.
func Attach(name string, size uint64) (*Arena, error) {
	fd, err := unix.Open(objectPath(name), unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "opening shared memory object %s: %v", name, err)
	}
	defer unix.Close(fd)
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "mapping shared memory object %s (%d bytes): %v", name, size, err)
	}
	return &Arena{name: name, data: data, owner: false}, nil
}

// Destroy unmaps the arena and, when this process created it, unlinks the named object.
// Safe to call more than once.
func (a *Arena) Destroy() {
	if a.data != nil {
		_ = unix.Munmap(a.data)
		a.data = nil
	}
	if a.owner {
		_ = unix.Unlink(objectPath(a.name))
		a.owner = false
	}
}

// Name returns the POSIX shared-memory name, suitable for the HELLO handshake.
func (a *Arena) Name() string { return a.name }

// Size returns the total arena capacity in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Allocated returns the bump allocator's high-water mark.
func (a *Arena) Allocated() uint64 { return a.allocated }

// IsOwner reports whether this process created the underlying object.
func (a *Arena) IsOwner() bool { return a.owner }

// Alloc reserves size bytes at the given power-of-two alignment (0 selects DefaultAlignment)
// and returns the offset of the block. Allocation is total: it either succeeds or fails with
// ErrOutOfMemory, with no partial state.
func (a *Arena) Alloc(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrOutOfMemory, "zero-size allocation")
	}
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return 0, errors.Wrapf(ErrOutOfMemory, "alignment %d is not a power of two", alignment)
	}
	offset := (a.allocated + alignment - 1) &^ (alignment - 1)
	if offset+size > a.Size() {
		return 0, errors.Wrapf(ErrOutOfMemory,
			"arena %s exhausted: need %d bytes at offset %d, capacity %d", a.name, size, offset, a.Size())
	}
	a.allocated = offset + size
	return offset, nil
}

// Bytes returns the sub-slice [offset, offset+size) of the arena, bounds-checked.
func (a *Arena) Bytes(offset, size uint64) ([]byte, error) {
	if offset+size > a.Size() || offset+size < offset {
		return nil, errors.Errorf("arena %s: range [%d, %d) outside capacity %d",
			a.name, offset, offset+size, a.Size())
	}
	return a.data[offset : offset+size : offset+size], nil
}

// Reset drops all allocations. Only safe when no outstanding offsets are referenced elsewhere.
func (a *Arena) Reset() { a.allocated = 0 }

// Errors returned by this package.
var (
	// ErrOutOfMemory is returned on allocation or mapping failure.
	ErrOutOfMemory = errors.New("shared memory exhausted")
	// ErrNotFound is returned by Attach when the named object does not exist.
	ErrNotFound = errors.New("shared memory object not found")
)
