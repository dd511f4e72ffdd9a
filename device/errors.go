package device

import "github.com/pkg/errors"

// Error kinds shared by all backends. Callers match them with errors.Is; backends attach
// context with pkg/errors wrapping.
var (
	// ErrTransport indicates a socket failure or a short read/write. The session is dead and
	// the backend must be recreated.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol indicates a malformed message: bad magic, major version mismatch, or an
	// oversize payload.
	ErrProtocol = errors.New("protocol violation")

	// ErrInvalidHandle indicates an unknown or stale buffer handle.
	ErrInvalidHandle = errors.New("invalid buffer handle")

	// ErrInvalidParams indicates rejected parameters: empty buffer, dimension constraints
	// violated, or a size exceeding the registered capacity.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrOutOfMemory indicates arena or cache-tier exhaustion.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrTimeout indicates an elapsed fence wait.
	ErrTimeout = errors.New("timeout")
)
