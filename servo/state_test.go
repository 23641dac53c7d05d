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

package servo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validSample() Inputs {
	return Inputs{PPSValid: true, TODValid: true, Now: time.Now()}
}

// drive the machine from initial RECOVERY_GPS into LOCKED_GPS
func lockMachine(t *testing.T, m *StateMachine) {
	t.Helper()
	for i := 0; i < 10; i++ {
		m.Update(validSample())
	}
	require.Equal(t, StateLockedGps, m.State())
}

func TestInitialState(t *testing.T) {
	m := NewStateMachine(Config{})
	require.Equal(t, StateRecoveryGps, m.State())
	require.False(t, m.IsLocked())
}

func TestRecoveryBoundary(t *testing.T) {
	m := NewStateMachine(Config{RecoverySamples: 10})
	// exactly 9 valid samples are not enough
	for i := 0; i < 9; i++ {
		require.Equal(t, StateRecoveryGps, m.Update(validSample()))
	}
	// the 10th flips the state on that same update
	require.Equal(t, StateLockedGps, m.Update(validSample()))
}

func TestRecoveryInvalidSampleResetsCounter(t *testing.T) {
	m := NewStateMachine(Config{RecoverySamples: 10})
	for i := 0; i < 9; i++ {
		m.Update(validSample())
	}
	m.Update(Inputs{PPSValid: false, TODValid: true, Now: time.Now()})
	require.Equal(t, StateRecoveryGps, m.State())
	// the counter restarted: nine more valid samples still are not enough
	for i := 0; i < 9; i++ {
		require.Equal(t, StateRecoveryGps, m.Update(validSample()))
	}
	require.Equal(t, StateLockedGps, m.Update(validSample()))
}

func TestImmediateHoldover(t *testing.T) {
	m := NewStateMachine(Config{})
	lockMachine(t, m)

	// one bad sample suffices, phase and frequency errors are irrelevant
	got := m.Update(Inputs{PPSValid: true, TODValid: false, Now: time.Now()})
	require.Equal(t, StateHoldoverRtc, got)
}

func TestHoldoverStaysWithoutGps(t *testing.T) {
	m := NewStateMachine(Config{})
	lockMachine(t, m)
	m.Update(Inputs{Now: time.Now()})
	require.Equal(t, StateHoldoverRtc, m.State())

	for i := 0; i < 5; i++ {
		m.Update(Inputs{PPSValid: true, TODValid: false, Now: time.Now()})
	}
	require.Equal(t, StateHoldoverRtc, m.State())
}

func TestHoldoverToRecovery(t *testing.T) {
	m := NewStateMachine(Config{})
	lockMachine(t, m)
	m.Update(Inputs{Now: time.Now()})
	require.Equal(t, StateHoldoverRtc, m.State())

	// GPS returns: recovery, not straight back to locked
	require.Equal(t, StateRecoveryGps, m.Update(validSample()))
}

func TestTwoTierLock(t *testing.T) {
	m := NewStateMachine(Config{LockStabilitySamples: 10})
	lockMachine(t, m)
	// in LOCKED_GPS but the stability counter is still zero
	require.False(t, m.IsLocked())

	for i := 0; i < 9; i++ {
		m.Update(validSample())
		require.False(t, m.IsLocked())
	}
	m.Update(validSample())
	require.True(t, m.IsLocked())
}

func TestStabilityCounterResetsOnNoise(t *testing.T) {
	m := NewStateMachine(Config{PhaseLockThresholdNS: 100, FreqLockThresholdPPB: 5})
	lockMachine(t, m)
	for i := 0; i < 9; i++ {
		m.Update(validSample())
	}
	// valid sample, but the phase error is out of bounds
	m.Update(Inputs{PPSValid: true, TODValid: true, PhaseErrorNS: 250, Now: time.Now()})
	require.Equal(t, StateLockedGps, m.State())
	require.Equal(t, 0, m.ConsecutiveLocked())
	require.False(t, m.IsLocked())

	// same for frequency error
	for i := 0; i < 10; i++ {
		m.Update(validSample())
	}
	require.True(t, m.IsLocked())
	m.Update(Inputs{PPSValid: true, TODValid: true, FreqErrorPPB: 7.5, Now: time.Now()})
	require.False(t, m.IsLocked())
}

func TestLastChangeStamped(t *testing.T) {
	m := NewStateMachine(Config{RecoverySamples: 2})
	ts := time.Date(2025, time.August, 21, 12, 0, 0, 0, time.UTC)
	m.Update(Inputs{PPSValid: true, TODValid: true, Now: ts})
	m.Update(Inputs{PPSValid: true, TODValid: true, Now: ts.Add(time.Second)})
	require.Equal(t, StateLockedGps, m.State())
	require.Equal(t, ts.Add(time.Second), m.LastChange())
}

func TestReset(t *testing.T) {
	m := NewStateMachine(Config{})
	lockMachine(t, m)
	m.Reset()
	require.Equal(t, StateRecoveryGps, m.State())
	require.False(t, m.IsLocked())
	require.Equal(t, 0, m.ConsecutiveLocked())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "LOCKED_GPS", StateLockedGps.String())
	require.Equal(t, "HOLDOVER_RTC", StateHoldoverRtc.String())
	require.Equal(t, "RECOVERY_GPS", StateRecoveryGps.String())
	require.Equal(t, "UNKNOWN_STATE(77)", State(77).String())
}
