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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GNSSStatus describes the time/pulse fusion
type GNSSStatus struct {
	FixQuality    string  `json:"fix_quality"`
	Satellites    int     `json:"satellites"`
	TimeValid     bool    `json:"time_valid"`
	MappingLocked bool    `json:"mapping_locked"`
	BaseSeq       uint64  `json:"base_seq"`
	BaseUTC       int64   `json:"base_utc"`
	PulseSeq      uint64  `json:"pulse_seq"`
	JitterMeanNS  float64 `json:"jitter_mean_ns"`
	JitterMaxNS   uint64  `json:"jitter_max_ns"`
	ParseErrors   uint64  `json:"parse_errors"`
	Dropouts      uint64  `json:"dropouts"`
}

// ClockStatus describes the disciplined hardware clock
type ClockStatus struct {
	State         string  `json:"state"`
	Locked        bool    `json:"locked"`
	PhaseErrorNS  int64   `json:"phase_error_ns"`
	FreqPPB       float64 `json:"freq_ppb"`
	ClockClass    uint8   `json:"clock_class"`
	ClockAccuracy uint8   `json:"clock_accuracy"`
	Variance      uint16  `json:"offset_scaled_log_variance"`
}

// CalibrationStatus describes the frequency calibrator
type CalibrationStatus struct {
	State         string  `json:"state"`
	CumulativePPB float64 `json:"cumulative_ppb"`
	LastDriftPPM  float64 `json:"last_drift_ppm"`
	Iterations    int     `json:"iterations"`
	Failures      int     `json:"failures"`
}

// HoldoverStatus describes the backup clock discipline
type HoldoverStatus struct {
	RTCPresent   bool    `json:"rtc_present"`
	Samples      int     `json:"samples"`
	AvgDriftPPM  float64 `json:"avg_drift_ppm"`
	StddevPPM    float64 `json:"stddev_ppm"`
	AgingOffset  int8    `json:"aging_offset"`
	LastTrimTime int64   `json:"last_trim_time"`
}

// Status is the full daemon state served to operators
type Status struct {
	StartedAt   time.Time         `json:"started_at"`
	GNSS        GNSSStatus        `json:"gnss"`
	Clock       ClockStatus       `json:"clock"`
	Calibration CalibrationStatus `json:"calibration"`
	Holdover    HoldoverStatus    `json:"holdover"`
}

// ReadStatus parses a Status from JSON
func ReadStatus(r io.Reader) (*Status, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	status := &Status{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("parsing status %q: %w", data, err)
	}
	return status, nil
}

// FetchStatus grabs the daemon status from its monitoring endpoint
func FetchStatus(url string) (*Status, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching status: %s", resp.Status)
	}
	return ReadStatus(resp.Body)
}
