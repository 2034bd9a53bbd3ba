package station

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// State is the shared runtime record of the simulated station. Identity
// fields are immutable after construction. The online and running flags
// are atomics so emitters, the control handler and the orchestrator all
// see each other's writes without further locking; none of them needs a
// compound read-modify-write.
//
// Invariant: running is only ever true while online is true.
type State struct {
	ID         string
	Location   string
	CapacityKW int

	online  atomic.Bool
	running atomic.Bool
}

// NewState returns an offline, stopped station. capacityKW must be
// positive.
func NewState(id, location string, capacityKW int) (*State, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("station id must not be empty")
	}
	if capacityKW <= 0 {
		return nil, fmt.Errorf("station capacity must be positive, got %d kW", capacityKW)
	}
	return &State{ID: id, Location: location, CapacityKW: capacityKW}, nil
}

// Online reports whether the station is between startup and shutdown.
func (s *State) Online() bool { return s.online.Load() }

// Running reports whether the station is generating.
func (s *State) Running() bool { return s.running.Load() }

// Status is the status topic payload: "running" or "online".
func (s *State) Status() string {
	if s.Running() {
		return "running"
	}
	return "online"
}

// setOnline flips the online flag. Going offline also clears running.
func (s *State) setOnline(v bool) {
	if !v {
		s.online.Store(false)
		s.running.Store(false)
		return
	}
	s.online.Store(true)
}

// SetRunning stores the running flag and reports whether it was
// applied. Starting is refused while the station is offline; stopping
// always succeeds.
func (s *State) SetRunning(v bool) bool {
	if v && !s.online.Load() {
		return false
	}
	s.running.Store(v)
	// Shutdown may have landed between the check and the store.
	if v && !s.online.Load() {
		s.running.Store(false)
		return false
	}
	return true
}

// SimulateOutput returns a generation reading uniformly spread over
// [0.8, 1.2] x capacity, computed as 0.8c + 0.4c*u for u in [0, 1).
// The result is clamped to the integers inside that band so small
// capacities whose bounds are fractional stay in range.
func (s *State) SimulateOutput(u float64) int {
	c := float64(s.CapacityKW)
	v := int(c*0.8 + c*0.4*u)

	lo, hi := outputBounds(s.CapacityKW)
	return min(max(v, lo), hi)
}

// outputBounds returns ceil(0.8c) and floor(1.2c) in integer math.
func outputBounds(capacityKW int) (lo, hi int) {
	return (4*capacityKW + 4) / 5, (6 * capacityKW) / 5
}

// Metadata is the payload of the metadata topic.
type Metadata struct {
	Location   string `json:"location"`
	CapacityKW int    `json:"capacity_kw"`
}

// Metadata returns the station's static description.
func (s *State) Metadata() Metadata {
	return Metadata{Location: s.Location, CapacityKW: s.CapacityKW}
}
