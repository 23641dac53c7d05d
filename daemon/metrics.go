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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the disciplining state to Prometheus scrapers
type Metrics struct {
	registry *prometheus.Registry

	phaseErrorNS  prometheus.Gauge
	freqPPB       prometheus.Gauge
	driftPPM      prometheus.Gauge
	jitterMaxNS   prometheus.Gauge
	servoState    prometheus.Gauge
	locked        prometheus.Gauge
	mappingLocked prometheus.Gauge
	satellites    prometheus.Gauge
	rtcAvgDrift   prometheus.Gauge
	parseErrors   prometheus.Counter
	dropouts      prometheus.Counter
	steps         prometheus.Counter
	rtcTrims      prometheus.Counter
}

// NewMetrics builds and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseErrorNS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "phase_error_ns",
			Help: "Phase error of the hardware clock against GNSS time",
		}),
		freqPPB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "frequency_ppb",
			Help: "Applied frequency adjustment",
		}),
		driftPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "calibration_drift_ppm",
			Help: "Last measured hardware clock drift",
		}),
		jitterMaxNS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "pulse_jitter_max_ns",
			Help: "Max pulse jitter over the last reporting window",
		}),
		servoState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "servo_state",
			Help: "Clock source state (0 locked, 1 holdover, 2 recovery)",
		}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "locked",
			Help: "Whether GNSS governs the clock and stability settled",
		}),
		mappingLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "mapping_locked",
			Help: "Whether the pulse/sentence association is established",
		}),
		satellites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "satellites",
			Help: "Satellites used in the fix",
		}),
		rtcAvgDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gnssgm", Name: "rtc_avg_drift_ppm",
			Help: "Average backup clock drift in the measurement window",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnssgm", Name: "nmea_parse_errors_total",
			Help: "Discarded NMEA sentences",
		}),
		dropouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnssgm", Name: "pulse_dropouts_total",
			Help: "Missed PPS pulses",
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnssgm", Name: "clock_steps_total",
			Help: "Discontinuous hardware clock corrections",
		}),
		rtcTrims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gnssgm", Name: "rtc_trims_total",
			Help: "Aging register adjustments applied to the backup clock",
		}),
	}
	m.registry.MustRegister(
		m.phaseErrorNS, m.freqPPB, m.driftPPM, m.jitterMaxNS,
		m.servoState, m.locked, m.mappingLocked, m.satellites,
		m.rtcAvgDrift, m.parseErrors, m.dropouts, m.steps, m.rtcTrims,
	)
	return m
}

// Registry returns the registry to serve over /metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe updates the gauges from a status snapshot. Counters are tracked
// separately since Prometheus counters only go up.
func (m *Metrics) Observe(s *Status) {
	m.phaseErrorNS.Set(float64(s.Clock.PhaseErrorNS))
	m.freqPPB.Set(s.Clock.FreqPPB)
	m.driftPPM.Set(s.Calibration.LastDriftPPM)
	m.jitterMaxNS.Set(float64(s.GNSS.JitterMaxNS))
	m.servoState.Set(float64(stateMetric(s.Clock.State)))
	m.locked.Set(boolMetric(s.Clock.Locked))
	m.mappingLocked.Set(boolMetric(s.GNSS.MappingLocked))
	m.satellites.Set(float64(s.GNSS.Satellites))
	m.rtcAvgDrift.Set(s.Holdover.AvgDriftPPM)
}

func stateMetric(state string) int {
	switch state {
	case "LOCKED_GPS":
		return 0
	case "HOLDOVER_RTC":
		return 1
	default:
		return 2
	}
}

func boolMetric(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
