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

// Package pps captures one-pulse-per-second edges from a Linux PPS device
// (RFC 2783, /dev/ppsN).
package pps

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Capture is one fetched pulse edge
type Capture struct {
	// Assert is the timestamp of the rising edge
	Assert time.Time
	// Sequence is the kernel's assert event counter
	Sequence uint64
}

// ppsKTime mirrors struct pps_ktime from linux/pps.h
type ppsKTime struct {
	Sec   int64
	Nsec  int32
	Flags uint32
}

// ppsKInfo mirrors struct pps_kinfo, padded to 8-byte alignment
type ppsKInfo struct {
	AssertSequence uint32
	ClearSequence  uint32
	AssertTu       ppsKTime
	ClearTu        ppsKTime
	CurrentMode    uint32
	_              uint32
}

// ppsFData mirrors struct pps_fdata, the PPS_FETCH ioctl argument
type ppsFData struct {
	Info    ppsKInfo
	Timeout ppsKTime
}

// ioctl request numbers from linux/pps.h, computed as _IOC(dir, 'p', nr, size)
const (
	iocWrite    = 1
	iocRead     = 2
	ppsGetCap   = iocRead<<30 | 4<<16 | 'p'<<8 | 0xa3
	ppsFetch    = (iocRead|iocWrite)<<30 | uint(unsafe.Sizeof(ppsFData{}))<<16 | 'p'<<8 | 0xa4
	capCanWait  = 0x100 // PPS_CANWAIT
	capAssert   = 0x01  // PPS_CAPTUREASSERT
)

// Device is an open PPS character device
type Device struct {
	f *os.File
}

// Open opens the PPS device and verifies it can capture assert edges with a
// blocking fetch
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	var mode uint32
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, f.Fd(),
		uintptr(ppsGetCap), uintptr(unsafe.Pointer(&mode)),
	); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("PPS_GETCAP on %s: %w", path, errno)
	}
	if mode&capAssert == 0 {
		f.Close()
		return nil, fmt.Errorf("%s cannot capture assert edges (mode 0x%x)", path, mode)
	}
	if mode&capCanWait == 0 {
		f.Close()
		return nil, fmt.Errorf("%s does not support blocking fetch (mode 0x%x)", path, mode)
	}
	return &Device{f: f}, nil
}

// Fetch blocks until the next pulse edge or the timeout, whichever comes
// first. A timeout is reported as unix.ETIMEDOUT.
func (d *Device) Fetch(timeout time.Duration) (Capture, error) {
	data := ppsFData{
		Timeout: ppsKTime{
			Sec:  int64(timeout / time.Second),
			Nsec: int32(timeout % time.Second),
		},
	}
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, d.f.Fd(),
		uintptr(ppsFetch), uintptr(unsafe.Pointer(&data)),
	); errno != 0 {
		return Capture{}, fmt.Errorf("PPS_FETCH on %s: %w", d.f.Name(), errno)
	}
	return Capture{
		Assert:   time.Unix(data.Info.AssertTu.Sec, int64(data.Info.AssertTu.Nsec)),
		Sequence: uint64(data.Info.AssertSequence),
	}, nil
}

// Close closes the device
func (d *Device) Close() error {
	return d.f.Close()
}
