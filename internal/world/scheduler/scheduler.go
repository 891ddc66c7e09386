// Package scheduler implements the per-tick system scheduler: systems are
// registered once and invoked in registration order every tick, strictly
// single-threaded within a shard so component storages need no locks.
package scheduler

import (
	"time"

	"github.com/outpost-games/worldserver/infrastructure/errors"
	"github.com/outpost-games/worldserver/infrastructure/logging"
)

// UpdateFunc is a system's per-tick entry point. It must not depend on
// wall-clock directly so that identical (input events, dt, RNG seed)
// produce byte-identical state mutations.
type UpdateFunc func(dt time.Duration) error

// System is (name, update-function). The component-kind tuple a system
// operates over lives inside its UpdateFunc closure, which captures the
// relevant *ecs.Storage values.
type System struct {
	Name   string
	Update UpdateFunc

	degradedUntilTick uint64
}

// Scheduler holds the active, ordered list of systems for one shard.
type Scheduler struct {
	log     *logging.Logger
	systems []*System
	tick    uint64

	// quarantineTicks is how many ticks a system that raised an internal
	// error is skipped for before being retried.
	quarantineTicks uint64
}

// New creates a scheduler. log may be nil for tests.
func New(log *logging.Logger, quarantineTicks uint64) *Scheduler {
	if quarantineTicks == 0 {
		quarantineTicks = 1
	}
	return &Scheduler{log: log, quarantineTicks: quarantineTicks}
}

// Register appends s to the active system list.
func (s *Scheduler) Register(sys *System) {
	s.systems = append(s.systems, sys)
}

// Tick calls each system's update in registration order, passing dt. If a
// system returns an internal error, it is logged, the system is marked
// degraded (skipped for the next quarantineTicks ticks), and the scheduler
// continues with the next system so one misbehaving system does not stall
// the world.
func (s *Scheduler) Tick(dt time.Duration) []error {
	s.tick++
	var faults []error

	for _, sys := range s.systems {
		if sys.degradedUntilTick >= s.tick {
			continue
		}
		if err := sys.Update(dt); err != nil {
			sys.degradedUntilTick = s.tick + s.quarantineTicks
			wrapped := errors.Internal("system "+sys.Name+" faulted", err)
			faults = append(faults, wrapped)
			if s.log != nil {
				s.log.WithError(wrapped).WithFields(map[string]interface{}{
					"system": sys.Name,
					"tick":   s.tick,
				}).Error("system quarantined after internal error")
			}
		}
	}
	return faults
}

// CurrentTick returns the tick counter as of the last call to Tick.
func (s *Scheduler) CurrentTick() uint64 {
	return s.tick
}

// Systems returns the registered systems in registration order, for
// inspection/testing.
func (s *Scheduler) Systems() []*System {
	return s.systems
}
