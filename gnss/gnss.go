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

// Package gnss fuses GNSS time-of-day sentences with PPS edges into a single
// TAI time and clock quality reading.
package gnss

import (
	"fmt"
	"time"
)

// FixQuality is the GGA fix quality indicator, ordered by trustworthiness
type FixQuality int

// Fix quality values as reported in the GGA sentence
const (
	FixNone FixQuality = iota
	FixGPS
	FixDGPS
	FixPPS
	FixRTK
	FixRTKFloat
	FixEstimated
	FixManual
	FixSimulation
)

var fixQualityToString = map[FixQuality]string{
	FixNone:       "NONE",
	FixGPS:        "GPS",
	FixDGPS:       "DGPS",
	FixPPS:        "PPS",
	FixRTK:        "RTK",
	FixRTKFloat:   "RTK_FLOAT",
	FixEstimated:  "ESTIMATED",
	FixManual:     "MANUAL",
	FixSimulation: "SIMULATION",
}

func (f FixQuality) String() string {
	s, ok := fixQualityToString[f]
	if !ok {
		return fmt.Sprintf("UNKNOWN_FIX_QUALITY(%d)", f)
	}
	return s
}

// Position is a decoded latitude/longitude/altitude triple
type Position struct {
	Lat float64
	Lon float64
	Alt float64
}

// TimeSample is the latest decoded time-of-day and fix information.
// Immutable once built, superseded by the next valid sentence.
type TimeSample struct {
	Time          time.Time
	Quality       FixQuality
	Satellites    int
	Position      *Position
	TimeValid     bool
	PositionValid bool
}

// PulseEvent is one captured PPS edge
type PulseEvent struct {
	// Assert is the capture timestamp of the edge
	Assert time.Time
	// Sequence increases by one per physical pulse
	Sequence uint64
	// SeqDelta is the sequence difference from the previous event
	SeqDelta uint64
	// JitterNS is the deviation of the inter-pulse interval from one second,
	// only computed for consecutive pulses
	JitterNS uint64
	// Dropout is set when SeqDelta != 1
	Dropout bool
	Valid   bool
}

// BaseMapping anchors a pulse sequence number to a UTC second. While locked,
// UTC(seq) = BaseUTC + (seq - BaseSeq) for any seq >= BaseSeq.
type BaseMapping struct {
	BaseSeq uint64
	BaseUTC int64
	Locked  bool
}

// ExpectedUTC returns the UTC second the mapping predicts for a sequence number
func (m BaseMapping) ExpectedUTC(seq uint64) int64 {
	return m.BaseUTC + int64(seq-m.BaseSeq)
}

// ClockQuality is the class/accuracy/variance triple handed to the protocol
// layer, as defined by IEEE 1588-2019 section 7.6.2
type ClockQuality struct {
	Class    uint8
	Accuracy uint8
	Variance uint16
}

// Clock quality constants for a GNSS-derived grandmaster
const (
	ClockClassLocked         uint8 = 6
	ClockClassLockedDegraded uint8 = 7
	ClockClassDegradedA      uint8 = 52
	ClockClassHoldover       uint8 = 187

	ClockAccuracy25NS    uint8 = 0x20
	ClockAccuracy100NS   uint8 = 0x21
	ClockAccuracy1US     uint8 = 0x23
	ClockAccuracyUnknown uint8 = 0x31

	ClockVarianceLocked   uint16 = 0x4E5D
	ClockVarianceDegraded uint16 = 0x5000
	ClockVarianceUnknown  uint16 = 0xFFFF
)

// QualityFromFix maps the current fix to a clock quality triple
func QualityFromFix(q FixQuality) ClockQuality {
	switch {
	case q >= FixDGPS:
		return ClockQuality{Class: ClockClassLocked, Accuracy: ClockAccuracy25NS, Variance: ClockVarianceLocked}
	case q == FixGPS:
		return ClockQuality{Class: ClockClassLockedDegraded, Accuracy: ClockAccuracy100NS, Variance: ClockVarianceDegraded}
	default:
		return ClockQuality{Class: ClockClassDegradedA, Accuracy: ClockAccuracyUnknown, Variance: ClockVarianceUnknown}
	}
}

// HoldoverQuality is what we announce when GNSS is unavailable but holdover is
// still within specification
func HoldoverQuality() ClockQuality {
	return ClockQuality{Class: ClockClassHoldover, Accuracy: ClockAccuracyUnknown, Variance: ClockVarianceUnknown}
}
