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

package cmd

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/gridtime/gnssgm/calib"
	"github.com/gridtime/gnssgm/phc"
	"github.com/gridtime/gnssgm/pps"
)

var (
	calibrateIfaceFlag    string
	calibrateDeviceFlag   string
	calibratePPSFlag      string
	calibrateIntervalFlag uint64
)

func init() {
	RootCmd.AddCommand(calibrateCmd)
	calibrateCmd.Flags().StringVarP(&calibrateIfaceFlag, "iface", "i", "eth0", "network interface whose PHC we calibrate")
	calibrateCmd.Flags().StringVarP(&calibrateDeviceFlag, "device", "d", "", "PTP device to calibrate, overrides the interface when set")
	calibrateCmd.Flags().StringVarP(&calibratePPSFlag, "pps", "p", "/dev/pps0", "pulse-per-second device")
	calibrateCmd.Flags().Uint64Var(&calibrateIntervalFlag, "interval", 20, "pulses per drift measurement")
}

func calibrateRun(iface, device, ppsPath string, interval uint64) error {
	var dev *phc.Device
	var err error
	if device != "" {
		dev, err = phc.Open(device)
	} else {
		dev, err = phc.OpenFromIface(iface)
	}
	if err != nil {
		return fmt.Errorf("opening hardware clock: %w", err)
	}
	defer dev.Close()

	pulses, err := pps.Open(ppsPath)
	if err != nil {
		return fmt.Errorf("opening pulse source: %w", err)
	}
	defer pulses.Close()

	cfg := calib.DefaultConfig()
	cfg.IntervalPulses = interval
	cal := calib.New(cfg, dev)
	cal.Start()

	// enough pulses for a full run plus a generous glitch allowance
	budget := (interval + 1) * uint64(cfg.MaxIterations+2)
	for i := uint64(0); i < budget; i++ {
		capture, err := pulses.Fetch(1500 * time.Millisecond)
		if err != nil {
			if errors.Is(err, unix.ETIMEDOUT) {
				log.Warning("no pulse within 1.5s")
				continue
			}
			return fmt.Errorf("fetching pulse: %w", err)
		}
		phcTime, err := dev.Time()
		if err != nil {
			return fmt.Errorf("reading hardware clock: %w", err)
		}
		out, err := cal.Update(capture.Sequence, phcTime.UnixNano())
		if err != nil {
			return fmt.Errorf("applying correction: %w", err)
		}
		if out == calib.OutcomeConverged {
			break
		}
	}
	if cal.State() != calib.StateConverged {
		return fmt.Errorf("calibration did not converge after %d pulses", budget)
	}

	fmt.Printf("state: %s\n", cal.State())
	fmt.Printf("iterations: %d\n", cal.Iterations())
	fmt.Printf("rejected measurements: %d\n", cal.Failures())
	fmt.Printf("residual drift: %.3fppm\n", cal.LastDriftPPM())
	fmt.Printf("frequency correction: %.1fppb\n", cal.CumulativePPB())
	return nil
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure and correct the hardware clock frequency against the pulse train",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := calibrateRun(calibrateIfaceFlag, calibrateDeviceFlag, calibratePPSFlag, calibrateIntervalFlag); err != nil {
			log.Fatal(err)
		}
	},
}
