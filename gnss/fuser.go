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

package gnss

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// FuserConfig tunes the association and dropout behavior
type FuserConfig struct {
	// AssociationSamples is how many sentence/pulse delay measurements must
	// agree before the base mapping locks
	AssociationSamples int
	// AssociationTolerance is the max spread the delay measurements may have
	// and still be considered agreeing
	AssociationTolerance time.Duration
	// MaxConsecutiveDropouts is how many missed pulses in a row we ride
	// through before the mapping is considered stale and reset
	MaxConsecutiveDropouts int
	// LeapOffset is the TAI-UTC offset in seconds
	LeapOffset int
}

// DefaultFuserConfig returns the config used when nothing is overridden
func DefaultFuserConfig() FuserConfig {
	return FuserConfig{
		AssociationSamples:     5,
		AssociationTolerance:   200 * time.Millisecond,
		MaxConsecutiveDropouts: 5,
		LeapOffset:             37,
	}
}

// FuserCounters is a snapshot of the fuser's error and event counters
type FuserCounters struct {
	ParseErrors         uint64
	Dropouts            uint64
	AssociationAttempts uint64
	Relocks             uint64
}

// Fuser combines time-of-day sentences and PPS edges into TAI time.
//
// All methods are safe for concurrent use. The pulse path (IngestPulse) and
// the control loop (everything else) share one mutex; no I/O happens under it.
type Fuser struct {
	cfg FuserConfig

	mu           sync.Mutex
	sample       TimeSample
	haveSample   bool
	pulse        PulseEvent
	havePulse    bool
	mapping      BaseMapping
	prevAssert   time.Time
	prevStepSum  int64
	stepSum      int64
	dtSamples    []time.Duration
	consDropouts int
	jitterStats  *welford.Stats
	maxJitterNS  uint64
	counters     FuserCounters
}

// NewFuser creates a Fuser with the given config, filling in defaults for
// zero-valued fields
func NewFuser(cfg FuserConfig) *Fuser {
	def := DefaultFuserConfig()
	if cfg.AssociationSamples <= 0 {
		cfg.AssociationSamples = def.AssociationSamples
	}
	if cfg.AssociationTolerance <= 0 {
		cfg.AssociationTolerance = def.AssociationTolerance
	}
	if cfg.MaxConsecutiveDropouts <= 0 {
		cfg.MaxConsecutiveDropouts = def.MaxConsecutiveDropouts
	}
	if cfg.LeapOffset == 0 {
		cfg.LeapOffset = def.LeapOffset
	}
	return &Fuser{
		cfg:         cfg,
		jitterStats: welford.New(),
	}
}

// IngestLine parses one raw NMEA sentence and merges it into the current
// TimeSample. arrival is when the sentence was received, used for pulse
// association. Malformed or unsupported sentences are counted and dropped,
// the previous sample stays untouched.
func (f *Fuser) IngestLine(line string, arrival time.Time) (TimeSample, bool) {
	s, err := ParseSentence(line)
	if err != nil {
		f.mu.Lock()
		f.counters.ParseErrors++
		f.mu.Unlock()
		log.Debugf("dropping sentence: %v", err)
		return TimeSample{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	updated := f.sample
	switch s.Type {
	case "RMC":
		err = applyRMC(s, &updated)
	case "GGA":
		err = applyGGA(s, &updated)
	default:
		return TimeSample{}, false
	}
	if err != nil {
		f.counters.ParseErrors++
		log.Debugf("dropping %s sentence: %v", s.Type, err)
		return TimeSample{}, false
	}
	f.sample = updated
	f.haveSample = true
	if s.Type == "RMC" && updated.TimeValid && !f.mapping.Locked {
		f.associate(updated, arrival)
	}
	return updated, true
}

// associate accumulates one sentence-to-pulse delay measurement and locks the
// base mapping once enough of them agree. Caller holds the mutex.
//
// A receiver emits the sentence labeling a pulse some 50-950ms after the
// edge. If the measured delay sits in that window the sentence names the
// previous pulse; a delay outside it means the sentence raced ahead of the
// edge it labels, so the mapping anchors to the next pulse instead.
func (f *Fuser) associate(sample TimeSample, arrival time.Time) {
	if !f.havePulse || !f.pulse.Valid {
		return
	}
	dt := arrival.Sub(f.pulse.Assert)
	if dt < 0 || dt > 1500*time.Millisecond {
		// stale pulse, not a usable pairing
		return
	}
	f.counters.AssociationAttempts++
	f.dtSamples = append(f.dtSamples, dt)
	if len(f.dtSamples) < f.cfg.AssociationSamples {
		return
	}
	minDT, maxDT := f.dtSamples[0], f.dtSamples[0]
	var sum time.Duration
	for _, d := range f.dtSamples {
		if d < minDT {
			minDT = d
		}
		if d > maxDT {
			maxDT = d
		}
		sum += d
	}
	if maxDT-minDT > f.cfg.AssociationTolerance {
		// ambiguous, slide the window and keep measuring
		f.dtSamples = f.dtSamples[1:]
		return
	}
	avg := sum / time.Duration(len(f.dtSamples))
	utc := sample.Time.Unix()
	if avg >= 50*time.Millisecond && avg <= 950*time.Millisecond {
		f.mapping = BaseMapping{BaseSeq: f.pulse.Sequence, BaseUTC: utc, Locked: true}
	} else {
		f.mapping = BaseMapping{BaseSeq: f.pulse.Sequence + 1, BaseUTC: utc, Locked: true}
	}
	f.dtSamples = nil
	log.WithFields(log.Fields{
		"base_seq": f.mapping.BaseSeq,
		"base_utc": f.mapping.BaseUTC,
		"avg_dt":   avg,
	}).Info("base mapping locked")
}

// IngestPulse records one PPS edge captured at assert with the given hardware
// sequence number and returns the resulting event
func (f *Fuser) IngestPulse(assert time.Time, sequence uint64) PulseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	ev := PulseEvent{Assert: assert, Sequence: sequence, Valid: true}
	if f.havePulse {
		ev.SeqDelta = sequence - f.pulse.Sequence
		ev.Dropout = ev.SeqDelta != 1
		if ev.Dropout {
			f.counters.Dropouts++
			f.consDropouts++
			if f.mapping.Locked && f.consDropouts > f.cfg.MaxConsecutiveDropouts {
				log.Warnf("%d consecutive pulse dropouts, resetting base mapping", f.consDropouts)
				f.resetLocked()
			}
		} else {
			f.consDropouts = 0
			// inter-pulse interval re-expressed in a step-free timescale
			diff := assert.Sub(f.prevAssert) - time.Duration(f.stepSum-f.prevStepSum)
			jitter := diff - time.Second
			if jitter < 0 {
				jitter = -jitter
			}
			ev.JitterNS = uint64(jitter.Nanoseconds())
			f.jitterStats.Add(float64(ev.JitterNS))
			if ev.JitterNS > f.maxJitterNS {
				f.maxJitterNS = ev.JitterNS
			}
		}
	} else {
		ev.SeqDelta = 1
	}
	f.pulse = ev
	f.havePulse = true
	f.prevAssert = assert
	f.prevStepSum = f.stepSum
	return ev
}

// NotifyClockStepped must be called whenever the clock whose timescale pulse
// assert timestamps live in is stepped by deltaNS, so that interval math
// spanning the step stays valid
func (f *Fuser) NotifyClockStepped(deltaNS int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepSum += deltaNS
}

// Locked reports whether the base mapping is established
func (f *Fuser) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapping.Locked
}

// Mapping returns a snapshot of the base mapping
func (f *Fuser) Mapping() BaseMapping {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapping
}

// LastPulse returns the most recent pulse event
func (f *Fuser) LastPulse() (PulseEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulse, f.havePulse
}

// LastSample returns the most recent time sample
func (f *Fuser) LastSample() (TimeSample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.haveSample
}

// TAITime returns the TAI time of the most recent pulse edge. ok is false
// when the mapping is not locked or the fix is invalid.
func (f *Fuser) TAITime() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mapping.Locked || !f.havePulse || !f.haveSample || !f.sample.TimeValid {
		return time.Time{}, false
	}
	utc := f.mapping.ExpectedUTC(f.pulse.Sequence)
	return time.Unix(utc+int64(f.cfg.LeapOffset), 0).UTC(), true
}

// TAITimeAt returns the TAI time the base mapping assigns to the pulse with
// the given hardware sequence number. ok is false when the mapping is not
// locked or the fix is invalid.
func (f *Fuser) TAITimeAt(sequence uint64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mapping.Locked || !f.haveSample || !f.sample.TimeValid {
		return time.Time{}, false
	}
	utc := f.mapping.ExpectedUTC(sequence)
	return time.Unix(utc+int64(f.cfg.LeapOffset), 0).UTC(), true
}

// ClockQuality returns the quality triple to announce. ok is false when the
// source cannot currently claim primary reference quality.
func (f *Fuser) ClockQuality() (ClockQuality, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mapping.Locked || !f.haveSample || !f.sample.TimeValid {
		return ClockQuality{}, false
	}
	return QualityFromFix(f.sample.Quality), true
}

// MaxJitterNS returns the max pulse jitter seen in the current window
func (f *Fuser) MaxJitterNS() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxJitterNS
}

// TakeMaxJitterNS returns the max pulse jitter seen since the previous call
// and starts a fresh window
func (f *Fuser) TakeMaxJitterNS() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.maxJitterNS
	f.maxJitterNS = 0
	return m
}

// JitterMeanStddev returns the running mean and standard deviation of pulse
// jitter in nanoseconds
func (f *Fuser) JitterMeanStddev() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jitterStats.Mean(), f.jitterStats.Stddev()
}

// Counters returns a snapshot of the event counters
func (f *Fuser) Counters() FuserCounters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

// Reset drops the base mapping and association progress, forcing full
// re-association on the next valid sentences. Called after a sustained loss
// of valid fixes.
func (f *Fuser) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

func (f *Fuser) resetLocked() {
	if f.mapping.Locked {
		f.counters.Relocks++
	}
	f.mapping = BaseMapping{}
	f.dtSamples = nil
	f.consDropouts = 0
}
