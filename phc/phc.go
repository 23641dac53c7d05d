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

// Package phc reads, steps and disciplines a PTP hardware clock through its
// /dev/ptpN character device.
package phc

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PPBToTimexPPM converts between PPB and the timex freq field.
// man clock_adjtime(2): freq is ppm with a 16-bit fractional part,
// so 2^16 = 65536 timex units per ppm, or 65.536 per ppb.
const PPBToTimexPPM = 65.536

// DefaultMaxFreqAdjPPB is used when the device does not report its maximum
// frequency adjustment
const DefaultMaxFreqAdjPPB = 500000.0

// clock_adjtime modes from linux/timex.h
const (
	adjFrequency uint32 = 0x0002
	adjSetOffset uint32 = 0x0100
	adjNano      uint32 = 0x2000
)

// PTPClockCaps mirrors struct ptp_clock_caps from linux/ptp_clock.h
type PTPClockCaps struct {
	MaxAdj            int32
	NAlarm            int32
	NExtTS            int32
	NPerOut           int32
	PPS               int32
	NPins             int32
	CrossTimestamping int32
	AdjustPhase       int32
	Rsv               [12]int32
}

// PTP_CLOCK_GETCAPS = _IOR('=', 1, struct ptp_clock_caps)
const iocClockGetCaps = 2<<30 | uint(unsafe.Sizeof(PTPClockCaps{}))<<16 | '='<<8 | 1

// Controller is the clock surface the disciplining engine drives. Device
// implements it against real hardware; tests substitute fakes.
type Controller interface {
	Time() (time.Time, error)
	SetTime(time.Time) error
	Step(time.Duration) error
	FrequencyPPB() (float64, error)
	AdjFreqPPB(freqPPB float64) error
	MaxFreqAdjPPB() float64
}

// Device is an open PTP hardware clock
type Device struct {
	f       *os.File
	maxFreq float64
}

// Open opens a PHC device, i.e. /dev/ptp0
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	d := &Device{f: f}
	caps, err := d.getCaps()
	if err != nil {
		f.Close()
		return nil, err
	}
	d.maxFreq = float64(caps.MaxAdj)
	if d.maxFreq == 0 {
		d.maxFreq = DefaultMaxFreqAdjPPB
	}
	return d, nil
}

// OpenFromIface opens the PHC associated with a network interface, i.e. eth0
func OpenFromIface(iface string) (*Device, error) {
	path, err := DeviceFromIface(iface)
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// ClockID converts the file descriptor to a dynamic POSIX clock ID,
// as clock_gettime(2) expects for /dev/ptpN devices
func (d *Device) ClockID() int32 {
	return int32((^d.f.Fd() << 3) | 3)
}

// Path returns the device path
func (d *Device) Path() string {
	return d.f.Name()
}

func (d *Device) getCaps() (*PTPClockCaps, error) {
	caps := &PTPClockCaps{}
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, d.f.Fd(),
		uintptr(iocClockGetCaps), uintptr(unsafe.Pointer(caps)),
	); errno != 0 {
		return nil, fmt.Errorf("PTP_CLOCK_GETCAPS on %s: %w", d.f.Name(), errno)
	}
	return caps, nil
}

// Time reads the current PHC time
func (d *Device) Time() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(d.ClockID(), &ts); err != nil {
		return time.Time{}, fmt.Errorf("reading time from %s: %w", d.f.Name(), err)
	}
	return time.Unix(ts.Unix()).UTC(), nil
}

// SetTime sets the PHC to an absolute time
func (d *Device) SetTime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(d.ClockID(), &ts); err != nil {
		return fmt.Errorf("setting time on %s: %w", d.f.Name(), err)
	}
	return nil
}

// Step steps the PHC forwards or backwards by the given amount
func (d *Device) Step(step time.Duration) error {
	sign := int64(1)
	if step < 0 {
		sign = -1
		step = -step
	}
	tx := &unix.Timex{
		Modes: adjSetOffset | adjNano,
	}
	tx.Time.Sec = sign * int64(step/time.Second)
	tx.Time.Usec = sign * int64(step%time.Second)
	// the value of a timeval is the sum of its fields, but tv_usec
	// must always be non-negative
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	if _, err := unix.ClockAdjtime(d.ClockID(), tx); err != nil {
		return fmt.Errorf("stepping %s by %v: %w", d.f.Name(), step, err)
	}
	return nil
}

// FrequencyPPB reads the currently applied frequency adjustment in PPB
func (d *Device) FrequencyPPB() (float64, error) {
	tx := &unix.Timex{}
	if _, err := unix.ClockAdjtime(d.ClockID(), tx); err != nil {
		return 0, fmt.Errorf("reading frequency from %s: %w", d.f.Name(), err)
	}
	return float64(tx.Freq) / PPBToTimexPPM, nil
}

// AdjFreqPPB sets the absolute frequency adjustment in PPB
func (d *Device) AdjFreqPPB(freqPPB float64) error {
	tx := &unix.Timex{
		Modes: adjFrequency,
		Freq:  int64(freqPPB * PPBToTimexPPM),
	}
	if _, err := unix.ClockAdjtime(d.ClockID(), tx); err != nil {
		return fmt.Errorf("adjusting frequency on %s to %v PPB: %w", d.f.Name(), freqPPB, err)
	}
	return nil
}

// MaxFreqAdjPPB returns the maximum frequency adjustment the device supports
func (d *Device) MaxFreqAdjPPB() float64 {
	return d.maxFreq
}

// Close closes the device
func (d *Device) Close() error {
	return d.f.Close()
}
