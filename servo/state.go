/*
Copyright (c) The gnssgm authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package servo decides which reference steers the hardware clock and
// computes phase corrections while GNSS governs it.
package servo

import (
	"fmt"
	"sync"
	"time"
)

// State is the active clock source
type State int

// Clock source states
const (
	// StateLockedGps: GNSS governs the hardware clock
	StateLockedGps State = iota
	// StateHoldoverRtc: GNSS is gone, the backup clock maintains timekeeping
	StateHoldoverRtc
	// StateRecoveryGps: GNSS is back but not yet proven stable
	StateRecoveryGps
)

var stateToString = map[State]string{
	StateLockedGps:   "LOCKED_GPS",
	StateHoldoverRtc: "HOLDOVER_RTC",
	StateRecoveryGps: "RECOVERY_GPS",
}

func (s State) String() string {
	str, ok := stateToString[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE(%d)", s)
	}
	return str
}

// Inputs is one sample fed to the state machine
type Inputs struct {
	// PPSValid is whether a pulse arrived and passed validation this second
	PPSValid bool
	// TODValid is whether the time-of-day source currently has a valid fix
	TODValid bool
	// PhaseErrorNS is the measured phase offset of the hardware clock
	PhaseErrorNS int64
	// FreqErrorPPB is the most recent frequency correction magnitude
	FreqErrorPPB float64
	// Now stamps transitions
	Now time.Time
}

// Config tunes the state machine
type Config struct {
	// RecoverySamples is how many consecutive valid samples recovery needs
	// before GNSS may govern the clock again
	RecoverySamples int
	// PhaseLockThresholdNS bounds the phase error counted as stable
	PhaseLockThresholdNS int64
	// FreqLockThresholdPPB bounds the frequency error counted as stable
	FreqLockThresholdPPB float64
	// LockStabilitySamples is how many consecutive stable samples IsLocked
	// requires on top of being in LOCKED_GPS
	LockStabilitySamples int
}

// DefaultConfig returns the config used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		RecoverySamples:      10,
		PhaseLockThresholdNS: 100,
		FreqLockThresholdPPB: 5.0,
		LockStabilitySamples: 10,
	}
}

// status is the full mutable state, kept separate from the decision logic so
// transitions stay a pure function
type status struct {
	state             State
	consecutiveGood   int
	consecutiveLocked int
	lastChange        time.Time
}

// step computes one transition. Pure: no locks, no I/O, fully deterministic
// from (cfg, cur, in).
func step(cfg Config, cur status, in Inputs) status {
	valid := in.PPSValid && in.TODValid
	next := cur
	switch cur.state {
	case StateLockedGps:
		if !valid {
			// one bad sample suffices, holdover must engage immediately
			next.state = StateHoldoverRtc
			next.consecutiveLocked = 0
			next.lastChange = in.Now
			return next
		}
		stable := abs64(in.PhaseErrorNS) <= cfg.PhaseLockThresholdNS &&
			absF(in.FreqErrorPPB) <= cfg.FreqLockThresholdPPB
		if stable {
			next.consecutiveLocked++
		} else {
			next.consecutiveLocked = 0
		}
	case StateHoldoverRtc:
		if valid {
			next.state = StateRecoveryGps
			next.consecutiveGood = 0
			next.lastChange = in.Now
		}
	case StateRecoveryGps:
		if !valid {
			next.consecutiveGood = 0
			return next
		}
		next.consecutiveGood++
		if next.consecutiveGood >= cfg.RecoverySamples {
			next.state = StateLockedGps
			next.consecutiveLocked = 0
			next.lastChange = in.Now
		}
	}
	return next
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// StateMachine gates which reference is allowed to steer the hardware clock.
// Initial state is RECOVERY_GPS: GNSS must prove itself before governing.
type StateMachine struct {
	cfg Config

	mu sync.Mutex
	st status
}

// NewStateMachine creates a StateMachine, filling in defaults for zero-valued
// config fields
func NewStateMachine(cfg Config) *StateMachine {
	def := DefaultConfig()
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = def.RecoverySamples
	}
	if cfg.PhaseLockThresholdNS <= 0 {
		cfg.PhaseLockThresholdNS = def.PhaseLockThresholdNS
	}
	if cfg.FreqLockThresholdPPB <= 0 {
		cfg.FreqLockThresholdPPB = def.FreqLockThresholdPPB
	}
	if cfg.LockStabilitySamples <= 0 {
		cfg.LockStabilitySamples = def.LockStabilitySamples
	}
	return &StateMachine{
		cfg: cfg,
		st:  status{state: StateRecoveryGps},
	}
}

// Update feeds one sample and returns the resulting state
func (m *StateMachine) Update(in Inputs) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = step(m.cfg, m.st, in)
	return m.st.state
}

// State returns the current state
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.state
}

// IsLocked is true only when the state is LOCKED_GPS and enough consecutive
// samples met the stability thresholds. Being in LOCKED_GPS alone does not
// mean frequency has settled.
func (m *StateMachine) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.state == StateLockedGps && m.st.consecutiveLocked >= m.cfg.LockStabilitySamples
}

// ConsecutiveLocked returns the stability counter
func (m *StateMachine) ConsecutiveLocked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.consecutiveLocked
}

// LastChange returns when the state last transitioned
func (m *StateMachine) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.lastChange
}

// Reset forces the machine back to RECOVERY_GPS with cleared counters, used
// on major reconfiguration
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = status{state: StateRecoveryGps}
}
