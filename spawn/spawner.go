package spawn

import "github.com/foundry-server/foundry/types"

// Spawner is the strategy interface the process pool drives. The smart
// (preloader-based) strategy, SmartSpawner, is its only implementation
// in this module.
type Spawner interface {
	// Spawn produces a running application process described by opts.
	// Thread-safe; concurrent calls on one spawner are serialized.
	// Failures are always a *Error carrying a journey snapshot.
	Spawn(opts *types.AppOptions) (*types.Result, error)

	// Cleanup releases idle resources (for the smart strategy: stops
	// the preloader). Calling it twice is a no-op; a spawner remains
	// usable after Cleanup.
	Cleanup()

	// LastUsedUsec returns the wall-clock microsecond timestamp of the
	// last Spawn or Cleanup call. The pool evicts idle spawners on it.
	LastUsedUsec() uint64
}
