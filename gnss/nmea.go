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

package gnss

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentence is a checksum-validated NMEA 0183 sentence split into fields.
// Type is the talker+sentence identifier with the talker prefix stripped,
// i.e. "RMC" for both $GPRMC and $GNRMC.
type Sentence struct {
	Type   string
	Fields []string
}

// checksum XORs all characters between '$' and '*'
func checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum ^= payload[i]
	}
	return sum
}

// ParseSentence validates the trailing checksum and splits the sentence into
// comma-separated fields
func ParseSentence(line string) (*Sentence, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 9 || line[0] != '$' {
		return nil, fmt.Errorf("malformed sentence %q", line)
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 != len(line) {
		return nil, fmt.Errorf("missing checksum in %q", line)
	}
	want, err := strconv.ParseUint(line[star+1:], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("bad checksum field in %q: %w", line, err)
	}
	payload := line[1:star]
	if got := checksum(payload); got != byte(want) {
		return nil, fmt.Errorf("checksum mismatch in %q: got %02X, want %02X", line, got, want)
	}
	fields := strings.Split(payload, ",")
	typ := fields[0]
	if len(typ) == 5 {
		typ = typ[2:]
	}
	return &Sentence{Type: typ, Fields: fields[1:]}, nil
}

// parseHMS decodes an NMEA hhmmss.ss time-of-day field
func parseHMS(s string) (hour, min, sec int, err error) {
	if len(s) < 6 {
		return 0, 0, 0, fmt.Errorf("time field %q too short", s)
	}
	if hour, err = strconv.Atoi(s[0:2]); err != nil {
		return
	}
	if min, err = strconv.Atoi(s[2:4]); err != nil {
		return
	}
	sec, err = strconv.Atoi(s[4:6])
	return
}

// parseDMY decodes an NMEA ddmmyy date field. The two-digit year is pinned to
// the 2000s; GPS receivers made this century do not report earlier dates.
func parseDMY(s string) (year int, month time.Month, day int, err error) {
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("date field %q malformed", s)
	}
	if day, err = strconv.Atoi(s[0:2]); err != nil {
		return
	}
	m, err := strconv.Atoi(s[2:4])
	if err != nil {
		return
	}
	month = time.Month(m)
	year, err = strconv.Atoi(s[4:6])
	year += 2000
	return
}

// parseLatLon decodes a (d)ddmm.mmmm coordinate with its hemisphere indicator
func parseLatLon(val, hemi string) (float64, error) {
	if len(val) < 4 {
		return 0, fmt.Errorf("coordinate field %q too short", val)
	}
	dot := strings.IndexByte(val, '.')
	if dot < 0 {
		dot = len(val)
	}
	if dot < 3 {
		return 0, fmt.Errorf("coordinate field %q malformed", val)
	}
	deg, err := strconv.Atoi(val[:dot-2])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(val[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	res := float64(deg) + minutes/60.0
	if hemi == "S" || hemi == "W" {
		res = -res
	}
	return res, nil
}

// applyRMC merges an RMC sentence (UTC time, date, receiver status) into the
// sample. Field layout: time, status, lat, N/S, lon, E/W, speed, course, date, ...
func applyRMC(s *Sentence, sample *TimeSample) error {
	if len(s.Fields) < 9 {
		return fmt.Errorf("RMC sentence has %d fields, want at least 9", len(s.Fields))
	}
	hour, min, sec, err := parseHMS(s.Fields[0])
	if err != nil {
		return fmt.Errorf("parsing RMC time: %w", err)
	}
	year, month, day, err := parseDMY(s.Fields[8])
	if err != nil {
		return fmt.Errorf("parsing RMC date: %w", err)
	}
	sample.Time = time.Date(year, month, day, hour, min, sec, 0, time.UTC)
	sample.TimeValid = s.Fields[1] == "A"
	return nil
}

// applyGGA merges a GGA sentence (fix quality, satellite count, position) into
// the sample. Field layout: time, lat, N/S, lon, E/W, quality, sats, hdop, alt, ...
func applyGGA(s *Sentence, sample *TimeSample) error {
	if len(s.Fields) < 9 {
		return fmt.Errorf("GGA sentence has %d fields, want at least 9", len(s.Fields))
	}
	quality, err := strconv.Atoi(s.Fields[5])
	if err != nil {
		return fmt.Errorf("parsing GGA fix quality: %w", err)
	}
	sats, err := strconv.Atoi(s.Fields[6])
	if err != nil {
		return fmt.Errorf("parsing GGA satellite count: %w", err)
	}
	sample.Quality = FixQuality(quality)
	sample.Satellites = sats
	sample.PositionValid = false
	if quality > 0 {
		lat, latErr := parseLatLon(s.Fields[1], s.Fields[2])
		lon, lonErr := parseLatLon(s.Fields[3], s.Fields[4])
		alt, altErr := strconv.ParseFloat(s.Fields[8], 64)
		if latErr == nil && lonErr == nil && altErr == nil {
			sample.Position = &Position{Lat: lat, Lon: lon, Alt: alt}
			sample.PositionValid = true
		}
	}
	return nil
}
