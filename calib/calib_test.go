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

package calib

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAdjuster struct {
	applied []float64
	maxAdj  float64
	err     error
}

func (f *fakeAdjuster) AdjFreqPPB(v float64) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, v)
	return nil
}

func (f *fakeAdjuster) MaxFreqAdjPPB() float64 {
	return f.maxAdj
}

func TestDriftFormula(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{}, adj)
	c.Start()

	out, err := c.Update(100, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.Equal(t, StateAccumulating, c.State())

	// 100ns excess over 20 reference seconds is exactly 5.0 ppm
	out, err = c.Update(120, 20_000_000_100)
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, out)
	require.Equal(t, StateConverged, c.State())
	require.InDelta(t, 5.0, c.LastDriftPPM(), 1e-9)
	require.InDelta(t, -5000.0, c.CumulativePPB(), 1e-9)
	require.Equal(t, []float64{-5000.0}, adj.applied)
}

func TestIntervalNotElapsed(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{IntervalPulses: 20}, adj)
	c.Start()
	_, err := c.Update(100, 0)
	require.NoError(t, err)

	for seq := uint64(101); seq < 120; seq++ {
		out, err := c.Update(seq, int64(seq-100)*1_000_000_000)
		require.NoError(t, err)
		require.Equal(t, OutcomeContinue, out)
		require.Equal(t, 0, c.Iterations())
	}
}

func TestSanityRejection(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	// 3000 ppm over 20s is 60ms of excess, way past the 2000 ppm gate
	out, err := c.Update(20, 20_060_000_000)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out)
	require.Equal(t, 1, c.Failures())
	require.Equal(t, 0, c.Iterations())
	require.InDelta(t, 0.0, c.CumulativePPB(), 1e-9)
	require.Empty(t, adj.applied)
	require.Equal(t, StateAccumulating, c.State())

	// the baseline was re-armed at the rejected pulse: a clean interval from
	// there converges normally
	out, err = c.Update(40, 20_060_000_000+20_000_000_100)
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, out)
}

func TestIterativeConvergence(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	// 150 ppm: above the 100 ppm threshold, another iteration follows
	r := int64(20_003_000_000)
	out, err := c.Update(20, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.InDelta(t, -150_000.0, c.CumulativePPB(), 1e-6)

	// 120 ppm: still above
	r += 20_002_400_000
	out, err = c.Update(40, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.InDelta(t, -270_000.0, c.CumulativePPB(), 1e-6)

	// 50 ppm: below threshold, final correction still applied
	r += 20_001_000_000
	out, err = c.Update(60, r)
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, out)
	require.InDelta(t, -320_000.0, c.CumulativePPB(), 1e-6)
	require.Equal(t, 3, c.Iterations())
}

func TestMaxIterations(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{MaxCorrectionPPB: 1e9}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	// persistent 150 ppm drift never crosses the threshold; the run still
	// terminates after 5 iterations
	r := int64(0)
	var out Outcome
	for i := 0; i < 5; i++ {
		r += 20_003_000_000
		out, err = c.Update(uint64(20*(i+1)), r)
		require.NoError(t, err)
	}
	require.Equal(t, OutcomeConverged, out)
	require.Equal(t, 5, c.Iterations())

	// further pulses are ignored until reset
	out, err = c.Update(140, r+20_000_000_000)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.Equal(t, 5, c.Iterations())
}

func TestCorrectionClamp(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	// 1000 ppm measures to a -1000000 PPB correction, clamped to -500000
	out, err := c.Update(20, 20_020_000_000)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.InDelta(t, -500_000.0, c.CumulativePPB(), 1e-6)
}

func TestDeviceMaxClamp(t *testing.T) {
	adj := &fakeAdjuster{maxAdj: 100_000}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	out, err := c.Update(20, 20_003_000_000)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	// -150000 wanted, device caps at 100000
	require.InDelta(t, -100_000.0, c.CumulativePPB(), 1e-6)
}

func TestHardwareError(t *testing.T) {
	adj := &fakeAdjuster{err: fmt.Errorf("device gone")}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)

	_, err = c.Update(20, 20_000_000_100)
	require.Error(t, err)
	require.InDelta(t, 0.0, c.CumulativePPB(), 1e-9)
}

func TestUpdateBeforeStart(t *testing.T) {
	c := New(Config{}, &fakeAdjuster{})
	out, err := c.Update(10, 123)
	require.NoError(t, err)
	require.Equal(t, OutcomeContinue, out)
	require.Equal(t, StateIdle, c.State())
}

func TestReset(t *testing.T) {
	adj := &fakeAdjuster{}
	c := New(Config{}, adj)
	c.Start()
	_, err := c.Update(0, 0)
	require.NoError(t, err)
	_, err = c.Update(20, 20_000_000_100)
	require.NoError(t, err)
	require.Equal(t, StateConverged, c.State())

	c.Reset()
	require.Equal(t, StateIdle, c.State())
	// cumulative correction survives reset, it reflects what the hardware has
	require.InDelta(t, -5000.0, c.CumulativePPB(), 1e-9)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "ACCUMULATING", StateAccumulating.String())
	require.Equal(t, "UNKNOWN_STATE(99)", State(99).String())
	require.Equal(t, "REJECTED", OutcomeRejected.String())
}
