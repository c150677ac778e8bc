package coordination

import (
	"context"
)

// EngineStorageKey names the engine's machine-local storage. Runs that share
// it collide when they overlap.
const EngineStorageKey = "engine-local-storage"

// Unlock releases a lock obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker serializes engine invocations that share local storage.
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)

	// Close releases the locker's resources.
	Close() error
}
