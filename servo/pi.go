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

import "sync"

// PiConfig tunes the phase servo
type PiConfig struct {
	// KP is the proportional gain
	KP float64
	// KI is the integral gain
	KI float64
	// IntegralMaxNS clamps the integral term for anti-windup; an unclamped
	// integral grows during long offsets and then causes huge corrections
	IntegralMaxNS float64
	// MaxCorrectionPPB clamps a single correction. This is a per-sample
	// delta on top of the calibrated base frequency, not a cumulative value.
	MaxCorrectionPPB float64
}

// DefaultPiConfig returns the config used when nothing is overridden
func DefaultPiConfig() PiConfig {
	return PiConfig{
		KP:               0.7,
		KI:               0.00003,
		IntegralMaxNS:    50_000_000,
		MaxCorrectionPPB: 100_000,
	}
}

// Pi is a proportional-integral phase servo. It turns a measured phase
// offset into a frequency correction in PPB (1 ns/s equals 1 PPB, so the
// gains are dimensionless).
type Pi struct {
	cfg PiConfig

	mu             sync.Mutex
	integral       float64
	lastCorrection float64
	samples        uint64
}

// NewPi creates a Pi servo, filling in defaults for zero-valued config fields
func NewPi(cfg PiConfig) *Pi {
	def := DefaultPiConfig()
	if cfg.KP <= 0 || cfg.KI <= 0 {
		cfg.KP = def.KP
		cfg.KI = def.KI
	}
	if cfg.IntegralMaxNS <= 0 {
		cfg.IntegralMaxNS = def.IntegralMaxNS
	}
	if cfg.MaxCorrectionPPB <= 0 {
		cfg.MaxCorrectionPPB = def.MaxCorrectionPPB
	}
	return &Pi{cfg: cfg}
}

// Sample feeds one phase offset measurement and returns the frequency
// correction to apply
func (p *Pi) Sample(offsetNS int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples++
	p.integral += float64(offsetNS)
	if p.integral > p.cfg.IntegralMaxNS {
		p.integral = p.cfg.IntegralMaxNS
	} else if p.integral < -p.cfg.IntegralMaxNS {
		p.integral = -p.cfg.IntegralMaxNS
	}

	correction := p.cfg.KP*float64(offsetNS) + p.cfg.KI*p.integral
	if correction > p.cfg.MaxCorrectionPPB {
		correction = p.cfg.MaxCorrectionPPB
	} else if correction < -p.cfg.MaxCorrectionPPB {
		correction = -p.cfg.MaxCorrectionPPB
	}
	p.lastCorrection = correction
	return correction
}

// LastCorrectionPPB returns the most recent correction
func (p *Pi) LastCorrectionPPB() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCorrection
}

// Samples returns the lifetime sample count; it survives Reset
func (p *Pi) Samples() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

// Reset clears the integral and last correction, used when the governing
// reference changes
func (p *Pi) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral = 0
	p.lastCorrection = 0
}
