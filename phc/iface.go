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

package phc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifreq is the request sent with the SIOCETHTOOL ioctl,
// as per linux/if.h
type ifreq struct {
	Name [unix.IFNAMSIZ]byte
	Data uintptr
}

// EthtoolTSinfo holds a device's timestamping capabilities and PHC
// association, as per linux/ethtool.h
type EthtoolTSinfo struct {
	Cmd            uint32
	SOtimestamping uint32
	PHCIndex       int32
	TXTypes        uint32
	TXReserved     [3]uint32
	RXFilters      uint32
	RXReserved     [3]uint32
}

// IfaceInfo queries timestamping info for a network interface, i.e. eth0
func IfaceInfo(iface string) (*EthtoolTSinfo, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket for ethtool ioctl: %w", err)
	}
	defer unix.Close(fd)
	data := &EthtoolTSinfo{
		Cmd: unix.ETHTOOL_GET_TS_INFO,
	}
	req := &ifreq{}
	copy(req.Name[:unix.IFNAMSIZ-1], iface)
	req.Data = uintptr(unsafe.Pointer(data))
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL, uintptr(fd),
		uintptr(unix.SIOCETHTOOL),
		uintptr(unsafe.Pointer(req)),
	); errno != 0 {
		return nil, fmt.Errorf("getting timestamping info for %s: %w", iface, errno)
	}
	return data, nil
}

// DeviceFromIface resolves a network interface to its PHC device path
func DeviceFromIface(iface string) (string, error) {
	info, err := IfaceInfo(iface)
	if err != nil {
		return "", err
	}
	if info.PHCIndex < 0 {
		return "", fmt.Errorf("%s has no PHC", iface)
	}
	return fmt.Sprintf("/dev/ptp%d", info.PHCIndex), nil
}
