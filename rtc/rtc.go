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

package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// agingPPBPerLSB converts between the DS3231 aging register LSB (0.1 ppm)
// and the kernel's offset sysfs attribute, which is in PPB
const agingPPBPerLSB = 100

// rtcTime mirrors struct rtc_time from linux/rtc.h
type rtcTime struct {
	Sec   int32
	Min   int32
	Hour  int32
	Mday  int32
	Mon   int32
	Year  int32
	Wday  int32
	Yday  int32
	Isdst int32
}

// RTC_RD_TIME and RTC_SET_TIME from linux/rtc.h
const (
	iocReadTime = 2<<30 | uint(unsafe.Sizeof(rtcTime{}))<<16 | 'p'<<8 | 0x09
	iocSetTime  = 1<<30 | uint(unsafe.Sizeof(rtcTime{}))<<16 | 'p'<<8 | 0x0a
)

// Device is an open backup real-time clock, i.e. /dev/rtc1
type Device struct {
	f          *os.File
	offsetPath string
}

// Open opens the RTC character device. The aging trim is reachable through
// the matching sysfs offset attribute; a missing attribute degrades trim
// operations, not Open.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	name := filepath.Base(path)
	return &Device{
		f:          f,
		offsetPath: filepath.Join("/sys/class/rtc", name, "offset"),
	}, nil
}

// Read reads the RTC time. RTC resolution is one second.
func (d *Device) Read() (time.Time, error) {
	var rt rtcTime
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, d.f.Fd(),
		uintptr(iocReadTime), uintptr(unsafe.Pointer(&rt)),
	); errno != 0 {
		return time.Time{}, fmt.Errorf("RTC_RD_TIME on %s: %w", d.f.Name(), errno)
	}
	return time.Date(int(rt.Year)+1900, time.Month(rt.Mon+1), int(rt.Mday),
		int(rt.Hour), int(rt.Min), int(rt.Sec), 0, time.UTC), nil
}

// Set writes the RTC time, truncated to whole seconds
func (d *Device) Set(t time.Time) error {
	t = t.UTC()
	rt := rtcTime{
		Sec:  int32(t.Second()),
		Min:  int32(t.Minute()),
		Hour: int32(t.Hour()),
		Mday: int32(t.Day()),
		Mon:  int32(t.Month() - 1),
		Year: int32(t.Year() - 1900),
	}
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, d.f.Fd(),
		uintptr(iocSetTime), uintptr(unsafe.Pointer(&rt)),
	); errno != 0 {
		return fmt.Errorf("RTC_SET_TIME on %s: %w", d.f.Name(), errno)
	}
	return nil
}

// ReadAgingOffset reads the aging trim register in LSB units
func (d *Device) ReadAgingOffset() (int8, error) {
	raw, err := os.ReadFile(d.offsetPath)
	if err != nil {
		return 0, fmt.Errorf("reading aging offset: %w", err)
	}
	ppb, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing aging offset %q: %w", raw, err)
	}
	return int8(ppb / agingPPBPerLSB), nil
}

// WriteAgingOffset writes the aging trim register in LSB units
func (d *Device) WriteAgingOffset(lsb int8) error {
	ppb := int(lsb) * agingPPBPerLSB
	if err := os.WriteFile(d.offsetPath, []byte(strconv.Itoa(ppb)), 0644); err != nil {
		return fmt.Errorf("writing aging offset %d: %w", lsb, err)
	}
	return nil
}

// Close closes the device
func (d *Device) Close() error {
	return d.f.Close()
}
