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

package daemon

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/gridtime/gnssgm/calib"
	"github.com/gridtime/gnssgm/gnss"
	"github.com/gridtime/gnssgm/rtc"
	"github.com/gridtime/gnssgm/servo"
)

// Config represents configuration we expect to read from file
type Config struct {
	// Iface resolves the PHC to discipline; PHCDevice overrides it
	Iface     string
	PHCDevice string
	// SerialDevice is the GNSS receiver's NMEA port
	SerialDevice  string
	BaudRate      int
	SerialTimeout time.Duration
	// PPSDevice is the GNSS pulse capture device, i.e. /dev/pps0
	PPSDevice  string
	PPSTimeout time.Duration
	// RTCDevice is the backup clock; empty disables holdover trimming
	RTCDevice string
	// RTCPPSDevice is the backup clock's square-wave capture device used for
	// drift measurement; empty disables drift discipline
	RTCPPSDevice string
	// RTCSyncInterval is how often the backup clock is set from GNSS time
	RTCSyncInterval time.Duration
	// LeapsecPath is a tzdata "right" zoneinfo file with leap second records
	LeapsecPath string
	// StepThreshold is the largest phase error corrected by slewing; anything
	// bigger steps the clock
	StepThreshold time.Duration
	// ReassociateAfter forces pulse/sentence re-association when GNSS was
	// gone longer than this
	ReassociateAfter time.Duration
	// MonitoringPort serves counters, status and metrics over http; 0
	// disables the listener
	MonitoringPort int

	Fuser       gnss.FuserConfig
	Calibration calib.Config
	Servo       servo.Config
	PI          servo.PiConfig
	Discipline  rtc.DisciplineConfig
}

// DefaultConfig returns the daemon defaults before any file overrides
func DefaultConfig() *Config {
	return &Config{
		Iface:            "eth0",
		SerialDevice:     "/dev/ttyAMA0",
		BaudRate:         9600,
		SerialTimeout:    2 * time.Second,
		PPSDevice:        "/dev/pps0",
		PPSTimeout:       1500 * time.Millisecond,
		RTCDevice:        "/dev/rtc1",
		RTCSyncInterval:  time.Minute,
		LeapsecPath:      "/usr/share/zoneinfo/right/UTC",
		StepThreshold:    time.Millisecond,
		ReassociateAfter: time.Minute,
		MonitoringPort:   8889,
		Fuser:            gnss.DefaultFuserConfig(),
		Calibration:      calib.DefaultConfig(),
		Servo:            servo.DefaultConfig(),
		PI:               servo.DefaultPiConfig(),
		Discipline:       rtc.DefaultDisciplineConfig(),
	}
}

// Validate makes sure the config is usable
func (c *Config) Validate() error {
	if c.Iface == "" && c.PHCDevice == "" {
		return fmt.Errorf("bad config: either 'iface' or 'phcdevice' must be specified")
	}
	if c.SerialDevice == "" {
		return fmt.Errorf("bad config: 'serialdevice' must be specified")
	}
	if c.PPSDevice == "" {
		return fmt.Errorf("bad config: 'ppsdevice' must be specified")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("bad config: 'baudrate' must be >0")
	}
	if c.SerialTimeout <= 0 || c.PPSTimeout <= 0 {
		return fmt.Errorf("bad config: serial and pps timeouts must be >0")
	}
	if c.StepThreshold <= 0 {
		return fmt.Errorf("bad config: 'stepthreshold' must be >0")
	}
	if c.RTCPPSDevice != "" && c.RTCDevice == "" {
		return fmt.Errorf("bad config: 'rtcppsdevice' requires 'rtcdevice'")
	}
	return nil
}

// ReadConfig reads the config file, applying it over the defaults
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
