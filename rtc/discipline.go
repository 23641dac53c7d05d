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

// Package rtc keeps the backup real-time clock honest: it measures the RTC's
// drift against GNSS-derived time over long windows and trims the aging
// compensation register so holdover quality degrades slowly.
package rtc

import (
	"container/ring"
	"math"
	"sync"
	"time"
)

// DisciplineConfig tunes the slow drift-compensation loop
type DisciplineConfig struct {
	// BufferSize caps how many drift samples the averaging window holds
	BufferSize int
	// MinSamples is the fewest samples an adjustment may be computed from
	MinSamples int
	// MinInterval is the shortest time between two register adjustments
	MinInterval time.Duration
	// StabilityThresholdPPM gates adjustment on the sample stddev, so noisy
	// not-yet-converged measurements never reach the hardware
	StabilityThresholdPPM float64
	// PPMPerLSB is the register resolution (0.1 ppm for a DS3231)
	PPMPerLSB float64
	// MaxLSBDelta caps one adjustment
	MaxLSBDelta int
}

// DefaultDisciplineConfig returns the config used when nothing is overridden
func DefaultDisciplineConfig() DisciplineConfig {
	return DisciplineConfig{
		BufferSize:            120,
		MinSamples:            60,
		MinInterval:           1200 * time.Second,
		StabilityThresholdPPM: 0.3,
		PPMPerLSB:             0.1,
		MaxLSBDelta:           3,
	}
}

type driftSample struct {
	ppm float64
	ts  time.Time
}

// Discipline is the bounded drift-sample window plus the adjustment policy.
// All methods are safe for concurrent use.
type Discipline struct {
	cfg DisciplineConfig

	mu             sync.Mutex
	samples        *ring.Ring
	count          int
	lastAdjustment time.Time
}

// NewDiscipline creates a Discipline, filling in defaults for zero-valued
// config fields
func NewDiscipline(cfg DisciplineConfig) *Discipline {
	def := DefaultDisciplineConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.StabilityThresholdPPM <= 0 {
		cfg.StabilityThresholdPPM = def.StabilityThresholdPPM
	}
	if cfg.PPMPerLSB <= 0 {
		cfg.PPMPerLSB = def.PPMPerLSB
	}
	if cfg.MaxLSBDelta <= 0 {
		cfg.MaxLSBDelta = def.MaxLSBDelta
	}
	return &Discipline{
		cfg:     cfg,
		samples: ring.New(cfg.BufferSize),
	}
}

// AddSample appends one drift measurement, evicting the oldest when the
// window is full
func (d *Discipline) AddSample(driftPPM float64, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples.Value = driftSample{ppm: driftPPM, ts: ts}
	d.samples = d.samples.Next()
	if d.count < d.cfg.BufferSize {
		d.count++
	}
}

// ShouldAdjust reports whether an aging register adjustment is warranted now:
// enough samples, enough time since the last trim, and a stable measurement
func (d *Discipline) ShouldAdjust(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count < d.cfg.MinSamples {
		return false
	}
	if !d.lastAdjustment.IsZero() && now.Sub(d.lastAdjustment) < d.cfg.MinInterval {
		return false
	}
	return d.stddevLocked() < d.cfg.StabilityThresholdPPM
}

// CalculateLSBAdjustment turns the average drift into a register delta,
// clamped to the per-adjustment cap. Positive delta slows the clock.
func (d *Discipline) CalculateLSBAdjustment() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	lsb := int(math.Round(d.averageLocked() / d.cfg.PPMPerLSB))
	if lsb > d.cfg.MaxLSBDelta {
		lsb = d.cfg.MaxLSBDelta
	} else if lsb < -d.cfg.MaxLSBDelta {
		lsb = -d.cfg.MaxLSBDelta
	}
	return lsb
}

// RecordAdjustment restarts the interval timer after a successful hardware
// write. Callers clear the window too, so drift is re-learned against the
// new trim instead of mixing pre- and post-adjustment behavior.
func (d *Discipline) RecordAdjustment(ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAdjustment = ts
}

// Clear drops all samples
func (d *Discipline) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = ring.New(d.cfg.BufferSize)
	d.count = 0
}

// Len returns the current sample count
func (d *Discipline) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// AveragePPM returns the window's mean drift
func (d *Discipline) AveragePPM() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.averageLocked()
}

// StddevPPM returns the window's population standard deviation
func (d *Discipline) StddevPPM() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stddevLocked()
}

func (d *Discipline) averageLocked() float64 {
	if d.count == 0 {
		return 0
	}
	var sum float64
	d.samples.Do(func(v any) {
		if s, ok := v.(driftSample); ok {
			sum += s.ppm
		}
	})
	return sum / float64(d.count)
}

func (d *Discipline) stddevLocked() float64 {
	if d.count < 2 {
		return 0
	}
	avg := d.averageLocked()
	var sumSq float64
	d.samples.Do(func(v any) {
		if s, ok := v.(driftSample); ok {
			diff := s.ppm - avg
			sumSq += diff * diff
		}
	})
	return math.Sqrt(sumSq / float64(d.count))
}
