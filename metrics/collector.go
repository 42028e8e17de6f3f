// Package metrics provides per-spawner metrics collection.
//
// The Collector accumulates counters over the lifetime of one spawner.
// It is a leaf package with no internal dependencies. All increment
// methods are nil-receiver safe so call sites never need to guard.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the counters.
// Returned by Collector.Snapshot(). Safe to read concurrently.
type Snapshot struct {
	// Spawn lifecycle
	SpawnsStarted   int64
	SpawnsSucceeded int64
	SpawnsFailed    int64

	// Preloader lifecycle
	PreloaderStarts   int64
	PreloaderStops    int64
	PreloaderCrashes  int64
	PreloaderRestarts int64

	// Failure classes worth tracking on their own
	UIDMismatches     int64
	HandshakeTimeouts int64

	// Dimensions (informational, set at construction)
	AppRoot     string
	SpawnMethod string
}

// Collector accumulates metrics for a single spawner.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	spawnsStarted   int64
	spawnsSucceeded int64
	spawnsFailed    int64

	preloaderStarts   int64
	preloaderStops    int64
	preloaderCrashes  int64
	preloaderRestarts int64

	uidMismatches     int64
	handshakeTimeouts int64

	appRoot     string
	spawnMethod string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(appRoot, spawnMethod string) *Collector {
	return &Collector{appRoot: appRoot, spawnMethod: spawnMethod}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// IncSpawnStarted records a spawn attempt entering the engine.
func (c *Collector) IncSpawnStarted() {
	if c == nil {
		return
	}
	c.inc(&c.spawnsStarted)
}

// IncSpawnSucceeded records a spawn attempt returning a result.
func (c *Collector) IncSpawnSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.spawnsSucceeded)
}

// IncSpawnFailed records a spawn attempt surfacing a SpawnError.
func (c *Collector) IncSpawnFailed() {
	if c == nil {
		return
	}
	c.inc(&c.spawnsFailed)
}

// IncPreloaderStart records a successful preloader startup.
func (c *Collector) IncPreloaderStart() {
	if c == nil {
		return
	}
	c.inc(&c.preloaderStarts)
}

// IncPreloaderStop records a preloader stop, graceful or forced.
func (c *Collector) IncPreloaderStop() {
	if c == nil {
		return
	}
	c.inc(&c.preloaderStops)
}

// IncPreloaderCrash records a detected preloader crash.
func (c *Collector) IncPreloaderCrash() {
	if c == nil {
		return
	}
	c.inc(&c.preloaderCrashes)
}

// IncPreloaderRestart records a crash-recovery restart.
func (c *Collector) IncPreloaderRestart() {
	if c == nil {
		return
	}
	c.inc(&c.preloaderRestarts)
}

// IncUIDMismatch records a child failing UID verification.
func (c *Collector) IncUIDMismatch() {
	if c == nil {
		return
	}
	c.inc(&c.uidMismatches)
}

// IncHandshakeTimeout records a handshake exceeding its deadline.
func (c *Collector) IncHandshakeTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.handshakeTimeouts)
}

// Snapshot returns an immutable copy of the current counters.
// Nil-receiver safe: returns a zero Snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SpawnsStarted:     c.spawnsStarted,
		SpawnsSucceeded:   c.spawnsSucceeded,
		SpawnsFailed:      c.spawnsFailed,
		PreloaderStarts:   c.preloaderStarts,
		PreloaderStops:    c.preloaderStops,
		PreloaderCrashes:  c.preloaderCrashes,
		PreloaderRestarts: c.preloaderRestarts,
		UIDMismatches:     c.uidMismatches,
		HandshakeTimeouts: c.handshakeTimeouts,
		AppRoot:           c.appRoot,
		SpawnMethod:       c.spawnMethod,
	}
}
