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

// Package calib removes hardware clock drift by measuring the clock against
// PPS pulse intervals and applying cumulative frequency corrections.
package calib

import (
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State is the calibrator's lifecycle phase
type State int

// Calibration states
const (
	StateIdle State = iota
	StateBaselining
	StateAccumulating
	StateConverged
)

var stateToString = map[State]string{
	StateIdle:         "IDLE",
	StateBaselining:   "BASELINING",
	StateAccumulating: "ACCUMULATING",
	StateConverged:    "CONVERGED",
}

func (s State) String() string {
	str, ok := stateToString[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE(%d)", s)
	}
	return str
}

// Outcome is what one Update call decided
type Outcome int

// Update outcomes
const (
	// OutcomeContinue means keep feeding pulses
	OutcomeContinue Outcome = iota
	// OutcomeConverged means calibration finished
	OutcomeConverged
	// OutcomeRejected means the measurement failed a sanity check and was
	// discarded; the baseline was re-armed
	OutcomeRejected
)

var outcomeToString = map[Outcome]string{
	OutcomeContinue:  "CONTINUE",
	OutcomeConverged: "CONVERGED",
	OutcomeRejected:  "REJECTED",
}

func (o Outcome) String() string {
	str, ok := outcomeToString[o]
	if !ok {
		return fmt.Sprintf("UNKNOWN_OUTCOME(%d)", o)
	}
	return str
}

// Adjuster is the frequency surface of the hardware clock the calibrator
// steers
type Adjuster interface {
	AdjFreqPPB(freqPPB float64) error
	MaxFreqAdjPPB() float64
}

// Config tunes the calibration run
type Config struct {
	// IntervalPulses is how many pulses each drift measurement spans
	IntervalPulses uint64
	// DriftThresholdPPM declares convergence when the measured drift
	// magnitude falls below it
	DriftThresholdPPM float64
	// SanityThresholdPPM rejects measurements whose drift magnitude exceeds
	// it as capture glitches
	SanityThresholdPPM float64
	// MaxCorrectionPPB caps a single correction
	MaxCorrectionPPB float64
	// MaxIterations caps how many corrections a run may apply
	MaxIterations int
}

// DefaultConfig returns the config used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		IntervalPulses:     20,
		DriftThresholdPPM:  100.0,
		SanityThresholdPPM: 2000.0,
		MaxCorrectionPPB:   500000.0,
		MaxIterations:      5,
	}
}

// Calibrator measures PHC drift against the pulse reference and applies
// cumulative frequency corrections.
//
// The hardware only exposes "set absolute frequency offset", never "read
// current offset", so the cumulative total kept here is the sole source of
// truth for what has been applied. All accessors are safe to call
// concurrently with Update.
type Calibrator struct {
	cfg Config
	adj Adjuster

	mu             sync.Mutex
	state          State
	baseSeq        uint64
	baseReadingNS  int64
	cumulativePPB  float64
	iterations     int
	failures       int
	lastDriftPPM   float64
	lastIntervalNS int64
}

// New creates a Calibrator steering the given adjuster, filling in defaults
// for zero-valued config fields
func New(cfg Config, adj Adjuster) *Calibrator {
	def := DefaultConfig()
	if cfg.IntervalPulses == 0 {
		cfg.IntervalPulses = def.IntervalPulses
	}
	if cfg.DriftThresholdPPM <= 0 {
		cfg.DriftThresholdPPM = def.DriftThresholdPPM
	}
	if cfg.SanityThresholdPPM <= 0 {
		cfg.SanityThresholdPPM = def.SanityThresholdPPM
	}
	if cfg.MaxCorrectionPPB <= 0 {
		cfg.MaxCorrectionPPB = def.MaxCorrectionPPB
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	return &Calibrator{cfg: cfg, adj: adj}
}

// Start arms the calibrator: the next Update call records the baseline anchor
func (c *Calibrator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateBaselining
	c.iterations = 0
}

// Update feeds one pulse with the PHC reading captured at its edge.
// sequence is the pulse sequence number, readingNS the PHC time in
// nanoseconds. Returns the non-nil error only on hardware I/O failure, in
// which case the caller skips this tick and retries on the next pulse.
func (c *Calibrator) Update(sequence uint64, readingNS int64) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle, StateConverged:
		// pulses outside a calibration run are ignored
		return OutcomeContinue, nil
	case StateBaselining:
		c.baseSeq = sequence
		c.baseReadingNS = readingNS
		c.state = StateAccumulating
		return OutcomeContinue, nil
	}

	elapsed := sequence - c.baseSeq
	if elapsed < c.cfg.IntervalPulses {
		return OutcomeContinue, nil
	}

	// integer nanosecond deltas; only the final ratio goes through floats
	phcDelta := readingNS - c.baseReadingNS
	refDelta := int64(elapsed) * int64(1e9)
	driftPPM := float64(phcDelta-refDelta) / float64(refDelta) * 1e6
	c.lastDriftPPM = driftPPM
	c.lastIntervalNS = refDelta

	if math.Abs(driftPPM) > c.cfg.SanityThresholdPPM {
		c.failures++
		c.baseSeq = sequence
		c.baseReadingNS = readingNS
		log.WithFields(log.Fields{
			"drift_ppm": driftPPM,
			"threshold": c.cfg.SanityThresholdPPM,
			"failures":  c.failures,
		}).Warning("implausible drift measurement rejected, re-arming baseline")
		return OutcomeRejected, nil
	}

	c.iterations++
	if err := c.applyCorrection(-driftPPM * 1000.0); err != nil {
		return OutcomeContinue, err
	}

	if math.Abs(driftPPM) < c.cfg.DriftThresholdPPM || c.iterations >= c.cfg.MaxIterations {
		c.state = StateConverged
		log.WithFields(log.Fields{
			"drift_ppm":      driftPPM,
			"iterations":     c.iterations,
			"cumulative_ppb": c.cumulativePPB,
		}).Info("calibration converged")
		return OutcomeConverged, nil
	}

	// re-arm the baseline for the next measurement
	c.baseSeq = sequence
	c.baseReadingNS = readingNS
	log.WithFields(log.Fields{
		"iteration":      c.iterations,
		"drift_ppm":      driftPPM,
		"cumulative_ppb": c.cumulativePPB,
	}).Info("calibration iteration applied")
	return OutcomeContinue, nil
}

// applyCorrection clamps one correction, folds it into the cumulative total
// and pushes the total to the hardware. Caller holds the mutex.
func (c *Calibrator) applyCorrection(correctionPPB float64) error {
	if correctionPPB > c.cfg.MaxCorrectionPPB {
		correctionPPB = c.cfg.MaxCorrectionPPB
	} else if correctionPPB < -c.cfg.MaxCorrectionPPB {
		correctionPPB = -c.cfg.MaxCorrectionPPB
	}
	total := c.cumulativePPB + correctionPPB
	if maxAdj := c.adj.MaxFreqAdjPPB(); maxAdj > 0 {
		if total > maxAdj {
			total = maxAdj
		} else if total < -maxAdj {
			total = -maxAdj
		}
	}
	if err := c.adj.AdjFreqPPB(total); err != nil {
		return fmt.Errorf("applying frequency correction: %w", err)
	}
	c.cumulativePPB = total
	return nil
}

// Reset returns the calibrator to idle; a new run starts with Start
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.baseSeq = 0
	c.baseReadingNS = 0
	c.iterations = 0
	c.lastDriftPPM = 0
	c.lastIntervalNS = 0
}

// State returns the current lifecycle phase
func (c *Calibrator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CumulativePPB returns the total applied frequency correction
func (c *Calibrator) CumulativePPB() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulativePPB
}

// LastDriftPPM returns the most recent drift measurement, including rejected
// ones
func (c *Calibrator) LastDriftPPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDriftPPM
}

// Iterations returns how many corrections the current run has applied
func (c *Calibrator) Iterations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iterations
}

// Failures returns how many measurements were rejected by the sanity gate
func (c *Calibrator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
