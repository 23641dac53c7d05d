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

// Package daemon wires the fuser, calibrator, state machine and drift
// discipline into the control loops that keep the hardware clock on GNSS
// time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gridtime/gnssgm/calib"
	"github.com/gridtime/gnssgm/gnss"
	"github.com/gridtime/gnssgm/leapsec"
	"github.com/gridtime/gnssgm/phc"
	"github.com/gridtime/gnssgm/pps"
	"github.com/gridtime/gnssgm/rtc"
	"github.com/gridtime/gnssgm/servo"
)

// LineSource produces raw NMEA sentences with a bounded timeout
type LineSource interface {
	ReadLine() (string, error)
}

// PulseSource produces captured pulse edges with a bounded timeout
type PulseSource interface {
	Fetch(timeout time.Duration) (pps.Capture, error)
}

// BackupClock is the optional holdover clock. Its absence degrades holdover
// quality, it never crashes the daemon.
type BackupClock interface {
	Read() (time.Time, error)
	Set(time.Time) error
	ReadAgingOffset() (int8, error)
	WriteAgingOffset(int8) error
}

// pulseTick pairs a fused pulse event with the PHC reading captured at its
// edge
type pulseTick struct {
	ev    gnss.PulseEvent
	phcNS int64
}

// Daemon runs the disciplining engine
type Daemon struct {
	cfg     *Config
	stats   *Stats
	metrics *Metrics

	fuser   *gnss.Fuser
	machine *servo.StateMachine
	pi      *servo.Pi
	cal     *calib.Calibrator
	disc    *rtc.Discipline

	clock     phc.Controller
	backup    BackupClock
	lines     LineSource
	pulses    PulseSource
	rtcPulses PulseSource

	// single-slot mailbox from the pulse path to the control loop
	pulseCh chan pulseTick

	mu            sync.Mutex
	synced        bool
	baseFreqPPB   float64
	lastPhaseNS   int64
	lastCorrPPB   float64
	lastFreqPPB   float64
	lastTOD       time.Time
	prevState     servo.State
	holdoverSince time.Time
	lastRTCSync   time.Time
	lastTrim      time.Time
	agingOffset   int8
	startedAt     time.Time
}

// New opens all devices named in the config and builds the daemon
func New(cfg *Config, stats *Stats) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	leapOffset, err := leapsec.OffsetAt(cfg.LeapsecPath, time.Now())
	if err != nil {
		log.Warnf("no leap second data from %s (%v), assuming TAI-UTC=%d",
			cfg.LeapsecPath, err, leapsec.DefaultOffset)
		leapOffset = leapsec.DefaultOffset
	}
	cfg.Fuser.LeapOffset = leapOffset

	var clock *phc.Device
	if cfg.PHCDevice != "" {
		clock, err = phc.Open(cfg.PHCDevice)
	} else {
		clock, err = phc.OpenFromIface(cfg.Iface)
	}
	if err != nil {
		return nil, fmt.Errorf("opening hardware clock: %w", err)
	}

	lines, err := gnss.OpenReceiver(cfg.SerialDevice, cfg.BaudRate, cfg.SerialTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening receiver: %w", err)
	}
	pulseDev, err := pps.Open(cfg.PPSDevice)
	if err != nil {
		return nil, fmt.Errorf("opening pulse source: %w", err)
	}

	var backup BackupClock
	var rtcPulses PulseSource
	if cfg.RTCDevice != "" {
		backupDev, err := rtc.Open(cfg.RTCDevice)
		if err != nil {
			log.Warnf("backup clock unavailable, holdover will be degraded: %v", err)
		} else {
			backup = backupDev
			if cfg.RTCPPSDevice != "" {
				sqw, err := pps.Open(cfg.RTCPPSDevice)
				if err != nil {
					log.Warnf("backup clock square wave unavailable, drift discipline disabled: %v", err)
				} else {
					rtcPulses = ppsSource{sqw}
				}
			}
		}
	}

	d := newDaemon(cfg, stats, clock, backup, lines, ppsSource{pulseDev}, rtcPulses)
	return d, nil
}

// ppsSource adapts a pps.Device to the PulseSource interface
type ppsSource struct {
	dev *pps.Device
}

func (p ppsSource) Fetch(timeout time.Duration) (pps.Capture, error) {
	return p.dev.Fetch(timeout)
}

// newDaemon assembles the daemon from already-opened collaborators
func newDaemon(cfg *Config, stats *Stats, clock phc.Controller, backup BackupClock,
	lines LineSource, pulses, rtcPulses PulseSource) *Daemon {
	return &Daemon{
		cfg:       cfg,
		stats:     stats,
		metrics:   NewMetrics(),
		fuser:     gnss.NewFuser(cfg.Fuser),
		machine:   servo.NewStateMachine(cfg.Servo),
		pi:        servo.NewPi(cfg.PI),
		cal:       calib.New(cfg.Calibration, clock),
		disc:      rtc.NewDiscipline(cfg.Discipline),
		clock:     clock,
		backup:    backup,
		lines:     lines,
		pulses:    pulses,
		rtcPulses: rtcPulses,
		pulseCh:   make(chan pulseTick, 1),
		prevState: servo.StateRecoveryGps,
		startedAt: time.Now(),
	}
}

// Run blocks until ctx is canceled or a loop fails fatally
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.MonitoringPort != 0 {
		mon := NewMonitoring(d.stats, d.metrics, d.Status)
		go func() {
			if err := mon.Start(d.cfg.MonitoringPort); err != nil {
				log.Errorf("monitoring server: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.pulseLoop(ctx) })
	g.Go(func() error { return d.serialLoop(ctx) })
	g.Go(func() error { return d.controlLoop(ctx) })
	g.Go(func() error { return d.statsLoop(ctx) })
	if d.rtcPulses != nil {
		g.Go(func() error { return d.driftLoop(ctx) })
	}
	return g.Wait()
}

// pulseLoop captures pulses and samples the PHC right at each edge. It is
// the latency sensitive path: nothing here blocks on anything but the
// capture itself.
func (d *Daemon) pulseLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		capture, err := d.pulses.Fetch(d.cfg.PPSTimeout)
		if err != nil {
			if errors.Is(err, unix.ETIMEDOUT) {
				d.stats.UpdateCounterBy("pps.timeouts", 1)
				continue
			}
			d.stats.UpdateCounterBy("pps.errors", 1)
			log.Errorf("fetching pulse: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		phcTime, err := d.clock.Time()
		if err != nil {
			d.stats.UpdateCounterBy("phc.errors", 1)
			log.Errorf("reading hardware clock at pulse: %v", err)
			continue
		}
		ev := d.fuser.IngestPulse(capture.Assert, capture.Sequence)
		tick := pulseTick{ev: ev, phcNS: phcTime.UnixNano()}
		// drop the stale tick if the control loop fell behind
		select {
		case d.pulseCh <- tick:
		default:
			select {
			case <-d.pulseCh:
			default:
			}
			d.pulseCh <- tick
		}
	}
	return ctx.Err()
}

// serialLoop feeds receiver sentences into the fuser
func (d *Daemon) serialLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		line, err := d.lines.ReadLine()
		if err != nil {
			if errors.Is(err, gnss.ErrReadTimeout) {
				d.stats.UpdateCounterBy("serial.timeouts", 1)
				continue
			}
			d.stats.UpdateCounterBy("serial.errors", 1)
			log.Errorf("reading receiver: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		sample, ok := d.fuser.IngestLine(line, time.Now())
		if ok && sample.TimeValid {
			d.mu.Lock()
			d.lastTOD = time.Now()
			d.mu.Unlock()
		}
	}
	return ctx.Err()
}

// controlLoop consumes pulse ticks and drives the state machine, calibrator
// and servo. A silent pulse source still produces state machine updates, so
// holdover engages even when the capture path sees nothing at all.
func (d *Daemon) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-d.pulseCh:
			d.handlePulse(tick)
		case <-time.After(2 * time.Second):
			d.handleMissingPulse()
		}
	}
}

// todValid reports whether the time-of-day source delivered a valid fix
// recently
func (d *Daemon) todValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastTOD.IsZero() {
		return false
	}
	if time.Since(d.lastTOD) > 3*time.Second {
		return false
	}
	sample, ok := d.fuser.LastSample()
	return ok && sample.TimeValid && sample.Quality > gnss.FixNone
}

func (d *Daemon) handlePulse(tick pulseTick) {
	d.mu.Lock()
	in := servo.Inputs{
		PPSValid:     tick.ev.Valid,
		TODValid:     false,
		PhaseErrorNS: d.lastPhaseNS,
		FreqErrorPPB: d.lastCorrPPB,
		Now:          time.Now(),
	}
	d.mu.Unlock()
	in.TODValid = d.todValid()

	state := d.machine.Update(in)
	d.noteTransition(state)

	if state == servo.StateLockedGps {
		d.steer(tick)
	}
}

func (d *Daemon) handleMissingPulse() {
	d.stats.UpdateCounterBy("pps.silent_periods", 1)
	state := d.machine.Update(servo.Inputs{
		PPSValid: false,
		TODValid: d.todValid(),
		Now:      time.Now(),
	})
	d.noteTransition(state)
}

// noteTransition logs state changes and handles holdover entry/exit
// bookkeeping
func (d *Daemon) noteTransition(state servo.State) {
	d.mu.Lock()
	prev := d.prevState
	d.prevState = state
	if state == prev {
		d.mu.Unlock()
		return
	}
	var reassociate bool
	switch state {
	case servo.StateHoldoverRtc:
		d.holdoverSince = time.Now()
	case servo.StateRecoveryGps:
		if prev == servo.StateHoldoverRtc && !d.holdoverSince.IsZero() {
			gone := time.Since(d.holdoverSince)
			reassociate = gone > d.cfg.ReassociateAfter
			d.holdoverSince = time.Time{}
		}
	}
	d.mu.Unlock()

	log.WithFields(log.Fields{
		"from": prev,
		"to":   state,
	}).Info("clock source state changed")
	d.stats.UpdateCounterBy("servo.transitions", 1)

	if reassociate {
		log.Warn("sustained GNSS loss, dropping pulse association for a fresh lock")
		d.fuser.Reset()
		d.cal.Reset()
	}
}

// steer applies one correction to the hardware clock while GNSS governs it
func (d *Daemon) steer(tick pulseTick) {
	// derive the second from the tick's own sequence number: the fuser may
	// already hold a newer pulse than the one this tick was captured at
	tai, ok := d.fuser.TAITimeAt(tick.ev.Sequence)
	if !ok {
		// association still in progress
		return
	}
	// positive offset: the hardware clock is behind true time
	offset := tai.UnixNano() - tick.phcNS
	d.mu.Lock()
	d.lastPhaseNS = offset
	synced := d.synced
	d.mu.Unlock()

	if !synced {
		d.stepClock(offset)
		return
	}

	// an uncalibrated oscillator can drift past the step threshold well
	// inside one measurement interval, so a running calibration finishes
	// before phase corrections resume
	if d.cal.State() != calib.StateConverged {
		d.calibrate(tick)
		return
	}

	if absDuration(time.Duration(offset)) > d.cfg.StepThreshold {
		d.stepClock(offset)
		return
	}

	corr := d.pi.Sample(offset)
	d.mu.Lock()
	freq := d.baseFreqPPB + corr
	d.mu.Unlock()
	if maxAdj := d.clock.MaxFreqAdjPPB(); freq > maxAdj {
		freq = maxAdj
	} else if freq < -maxAdj {
		freq = -maxAdj
	}
	if err := d.clock.AdjFreqPPB(freq); err != nil {
		d.stats.UpdateCounterBy("phc.errors", 1)
		log.Errorf("adjusting hardware clock frequency: %v", err)
		return
	}
	d.mu.Lock()
	d.lastCorrPPB = corr
	d.lastFreqPPB = freq
	d.mu.Unlock()

	d.syncBackupClock(tai)
}

// stepClock applies a discontinuous correction and restarts everything that
// assumed a continuous timescale
func (d *Daemon) stepClock(offsetNS int64) {
	if err := d.clock.Step(time.Duration(offsetNS)); err != nil {
		d.stats.UpdateCounterBy("phc.errors", 1)
		log.Errorf("stepping hardware clock: %v", err)
		return
	}
	log.WithFields(log.Fields{"offset_ns": offsetNS}).Info("hardware clock stepped")
	d.stats.UpdateCounterBy("phc.steps", 1)
	d.metrics.steps.Inc()
	d.fuser.NotifyClockStepped(offsetNS)
	d.pi.Reset()
	// drift measured across a step is garbage, start calibration over
	d.cal.Reset()
	d.cal.Start()
	d.mu.Lock()
	d.synced = true
	d.mu.Unlock()
}

// calibrate feeds one pulse to the frequency calibrator
func (d *Daemon) calibrate(tick pulseTick) {
	if d.cal.State() == calib.StateIdle {
		d.cal.Start()
	}
	out, err := d.cal.Update(tick.ev.Sequence, tick.phcNS)
	if err != nil {
		d.stats.UpdateCounterBy("phc.errors", 1)
		log.Errorf("calibration update: %v", err)
		return
	}
	switch out {
	case calib.OutcomeRejected:
		d.stats.UpdateCounterBy("calibration.rejected", 1)
	case calib.OutcomeConverged:
		d.mu.Lock()
		d.baseFreqPPB = d.cal.CumulativePPB()
		d.lastFreqPPB = d.baseFreqPPB
		d.mu.Unlock()
		d.stats.UpdateCounterBy("calibration.converged", 1)
	}
}

// syncBackupClock keeps the RTC within a second of GNSS time
func (d *Daemon) syncBackupClock(tai time.Time) {
	if d.backup == nil || !d.machine.IsLocked() {
		return
	}
	d.mu.Lock()
	due := d.lastRTCSync.IsZero() || time.Since(d.lastRTCSync) >= d.cfg.RTCSyncInterval
	d.mu.Unlock()
	if !due {
		return
	}
	utc := tai.Add(-time.Duration(d.cfg.Fuser.LeapOffset) * time.Second)
	if err := d.backup.Set(utc); err != nil {
		d.stats.UpdateCounterBy("rtc.errors", 1)
		log.Errorf("setting backup clock: %v", err)
		return
	}
	d.mu.Lock()
	d.lastRTCSync = time.Now()
	d.mu.Unlock()
	d.stats.UpdateCounterBy("rtc.syncs", 1)
}

// driftLoop measures the backup clock's square wave against the disciplined
// timescale and trims the aging register when the measurement settles
func (d *Daemon) driftLoop(ctx context.Context) error {
	var prev pps.Capture
	have := false
	for ctx.Err() == nil {
		capture, err := d.rtcPulses.Fetch(d.cfg.PPSTimeout)
		if err != nil {
			if !errors.Is(err, unix.ETIMEDOUT) {
				d.stats.UpdateCounterBy("rtc.pps_errors", 1)
				time.Sleep(100 * time.Millisecond)
			}
			have = false
			continue
		}
		if have && capture.Sequence == prev.Sequence+1 && d.machine.IsLocked() {
			interval := capture.Assert.Sub(prev.Assert)
			// positive drift: the backup clock runs fast
			driftPPM := (time.Second - interval).Seconds() * 1e6
			d.disc.AddSample(driftPPM, capture.Assert)
		}
		prev = capture
		have = true
		d.maybeTrim(time.Now())
	}
	return ctx.Err()
}

// maybeTrim applies one aging register adjustment when warranted
func (d *Daemon) maybeTrim(now time.Time) {
	if d.backup == nil || !d.disc.ShouldAdjust(now) {
		return
	}
	lsb := d.disc.CalculateLSBAdjustment()
	if lsb == 0 {
		// already in trim, restart the interval without touching hardware
		d.disc.RecordAdjustment(now)
		return
	}
	cur, err := d.backup.ReadAgingOffset()
	if err != nil {
		d.stats.UpdateCounterBy("rtc.errors", 1)
		log.Errorf("reading aging offset: %v", err)
		return
	}
	next := int(cur) + lsb
	if next > 127 {
		next = 127
	} else if next < -127 {
		next = -127
	}
	if err := d.backup.WriteAgingOffset(int8(next)); err != nil {
		d.stats.UpdateCounterBy("rtc.errors", 1)
		log.Errorf("writing aging offset: %v", err)
		return
	}
	log.WithFields(log.Fields{
		"avg_drift_ppm": d.disc.AveragePPM(),
		"delta_lsb":     lsb,
		"aging_offset":  next,
	}).Info("backup clock aging offset trimmed")
	d.stats.UpdateCounterBy("rtc.trims", 1)
	d.metrics.rtcTrims.Inc()
	d.disc.RecordAdjustment(now)
	// re-learn drift against the new trim
	d.disc.Clear()
	d.mu.Lock()
	d.agingOffset = int8(next)
	d.lastTrim = now
	d.mu.Unlock()
}

// statsLoop periodically publishes counters and gauges
func (d *Daemon) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var prev gnss.FuserCounters
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status := d.Status()
			d.metrics.Observe(status)
			// the stats publisher owns the jitter window
			d.fuser.TakeMaxJitterNS()
			counters := d.fuser.Counters()
			d.metrics.parseErrors.Add(float64(counters.ParseErrors - prev.ParseErrors))
			d.metrics.dropouts.Add(float64(counters.Dropouts - prev.Dropouts))
			prev = counters
			d.stats.SetCounter("gnss.parse_errors", int64(counters.ParseErrors))
			d.stats.SetCounter("gnss.dropouts", int64(counters.Dropouts))
			d.stats.SetCounter("gnss.relocks", int64(counters.Relocks))
			d.stats.SetCounter("servo.locked", boolCounter(status.Clock.Locked))
			d.stats.SetCounter("phc.freq_ppb", int64(status.Clock.FreqPPB))
			d.stats.SetCounter("phc.phase_error_ns", status.Clock.PhaseErrorNS)
			collectSysStats(d.stats)
		}
	}
}

func boolCounter(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// Status builds a point-in-time snapshot for operators
func (d *Daemon) Status() *Status {
	sample, _ := d.fuser.LastSample()
	pulse, _ := d.fuser.LastPulse()
	mapping := d.fuser.Mapping()
	counters := d.fuser.Counters()
	jitterMean, _ := d.fuser.JitterMeanStddev()
	jitterMax := d.fuser.MaxJitterNS()

	quality, ok := d.fuser.ClockQuality()
	if !ok {
		quality = gnss.HoldoverQuality()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return &Status{
		StartedAt: d.startedAt,
		GNSS: GNSSStatus{
			FixQuality:    sample.Quality.String(),
			Satellites:    sample.Satellites,
			TimeValid:     sample.TimeValid,
			MappingLocked: mapping.Locked,
			BaseSeq:       mapping.BaseSeq,
			BaseUTC:       mapping.BaseUTC,
			PulseSeq:      pulse.Sequence,
			JitterMeanNS:  jitterMean,
			JitterMaxNS:   jitterMax,
			ParseErrors:   counters.ParseErrors,
			Dropouts:      counters.Dropouts,
		},
		Clock: ClockStatus{
			State:         d.prevState.String(),
			Locked:        d.machine.IsLocked(),
			PhaseErrorNS:  d.lastPhaseNS,
			FreqPPB:       d.lastFreqPPB,
			ClockClass:    quality.Class,
			ClockAccuracy: quality.Accuracy,
			Variance:      quality.Variance,
		},
		Calibration: CalibrationStatus{
			State:         d.cal.State().String(),
			CumulativePPB: d.cal.CumulativePPB(),
			LastDriftPPM:  d.cal.LastDriftPPM(),
			Iterations:    d.cal.Iterations(),
			Failures:      d.cal.Failures(),
		},
		Holdover: HoldoverStatus{
			RTCPresent:   d.backup != nil,
			Samples:      d.disc.Len(),
			AvgDriftPPM:  d.disc.AveragePPM(),
			StddevPPM:    d.disc.StddevPPM(),
			AgingOffset:  d.agingOffset,
			LastTrimTime: trimUnix(d.lastTrim),
		},
	}
}

// ClockQuality returns the quality triple for protocol announcement
func (d *Daemon) ClockQuality() gnss.ClockQuality {
	if q, ok := d.fuser.ClockQuality(); ok && d.machine.IsLocked() {
		return q
	}
	return gnss.HoldoverQuality()
}

func trimUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
