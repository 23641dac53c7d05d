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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	c.Iface = ""
	c.PHCDevice = ""
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.Iface = ""
	c.PHCDevice = "/dev/ptp0"
	require.NoError(t, c.Validate())

	c = DefaultConfig()
	c.SerialDevice = ""
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.BaudRate = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.StepThreshold = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.RTCPPSDevice = "/dev/pps1"
	c.RTCDevice = ""
	require.Error(t, c.Validate())
}

func TestReadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "gnssgm.yaml")
	content := `iface: enp2s0
serialdevice: /dev/ttyUSB0
baudrate: 115200
stepthreshold: 500us
calibration:
  intervalpulses: 30
fuser:
  associationsamples: 7
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	c, err := ReadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "enp2s0", c.Iface)
	require.Equal(t, "/dev/ttyUSB0", c.SerialDevice)
	require.Equal(t, 115200, c.BaudRate)
	require.Equal(t, 500*time.Microsecond, c.StepThreshold)
	require.Equal(t, uint64(30), c.Calibration.IntervalPulses)
	require.Equal(t, 7, c.Fuser.AssociationSamples)
	// defaults survive partial overrides
	require.Equal(t, "/dev/pps0", c.PPSDevice)
	require.Equal(t, time.Minute, c.RTCSyncInterval)
}

func TestReadConfigUnknownKey(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "gnssgm.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("nosuchoption: true\n"), 0644))
	_, err := ReadConfig(cfgPath)
	require.Error(t, err)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
