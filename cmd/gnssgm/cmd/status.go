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
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gridtime/gnssgm/daemon"
)

var (
	statusAddressFlag string
	statusPortFlag    int
	statusJSONFlag    bool
)

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusAddressFlag, "address", "a", "127.0.0.1", "address to connect to")
	statusCmd.Flags().IntVarP(&statusPortFlag, "port", "p", 8889, "monitoring port to connect to")
	statusCmd.Flags().BoolVarP(&statusJSONFlag, "json", "j", false, "JSON output")
}

func stateString(state string, locked bool) string {
	switch {
	case locked:
		return color.GreenString(state)
	case state == "HOLDOVER_RTC":
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

func printStatus(s *daemon.Status) {
	fmt.Println("GNSS:")
	fmt.Printf("\tfix: %s\n", s.GNSS.FixQuality)
	fmt.Printf("\tsatellites: %d\n", s.GNSS.Satellites)
	fmt.Printf("\ttime_valid: %v\n", s.GNSS.TimeValid)
	fmt.Printf("\tmapping_locked: %v\n", s.GNSS.MappingLocked)
	fmt.Printf("\tpulse_seq: %d\n", s.GNSS.PulseSeq)
	fmt.Printf("\tjitter_mean: %.1fns\n", s.GNSS.JitterMeanNS)
	fmt.Printf("\tjitter_max: %dns\n", s.GNSS.JitterMaxNS)
	fmt.Printf("\tparse_errors: %d\n", s.GNSS.ParseErrors)
	fmt.Printf("\tdropouts: %d\n", s.GNSS.Dropouts)

	fmt.Println("Clock:")
	fmt.Printf("\tstate: %s\n", stateString(s.Clock.State, s.Clock.Locked))
	fmt.Printf("\tlocked: %v\n", s.Clock.Locked)
	fmt.Printf("\tphase_error: %dns\n", s.Clock.PhaseErrorNS)
	fmt.Printf("\tfrequency: %.3fppb\n", s.Clock.FreqPPB)
	fmt.Printf("\tclass: %d accuracy: 0x%x variance: 0x%x\n",
		s.Clock.ClockClass, s.Clock.ClockAccuracy, s.Clock.Variance)

	fmt.Println("Calibration:")
	fmt.Printf("\tstate: %s\n", s.Calibration.State)
	fmt.Printf("\tcumulative: %.1fppb\n", s.Calibration.CumulativePPB)
	fmt.Printf("\tlast_drift: %.3fppm\n", s.Calibration.LastDriftPPM)
	fmt.Printf("\titerations: %d failures: %d\n", s.Calibration.Iterations, s.Calibration.Failures)

	fmt.Println("Holdover:")
	fmt.Printf("\trtc_present: %v\n", s.Holdover.RTCPresent)
	fmt.Printf("\tdrift_samples: %d\n", s.Holdover.Samples)
	fmt.Printf("\tavg_drift: %.3fppm stddev: %.3fppm\n", s.Holdover.AvgDriftPPM, s.Holdover.StddevPPM)
	fmt.Printf("\taging_offset: %d\n", s.Holdover.AgingOffset)
}

func statusRun(address string, port int, jsonOut bool) error {
	s, err := daemon.FetchStatus(fmt.Sprintf("http://%s:%d/status", address, port))
	if err != nil {
		return err
	}
	if jsonOut {
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	printStatus(s)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon status",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := statusRun(statusAddressFlag, statusPortFlag, statusJSONFlag); err != nil {
			log.Fatal(err)
		}
	},
}
