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

// Package leapsec determines the TAI-UTC offset from a tzdata "right"
// zoneinfo file (TZif format). The fuser needs this offset to convert the
// GPS-derived UTC second into TAI for downstream consumers.
package leapsec

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// DefaultPath is where "right" zoneinfo with leap second records usually lives
const DefaultPath = "/usr/share/zoneinfo/right/UTC"

// DefaultOffset is the TAI-UTC offset to fall back to when no leap second
// source is available. Correct since 2017, until the next leap second.
const DefaultOffset = 37

// taiMinusUTC1972 is the TAI-UTC offset at the start of the leap second era
const taiMinusUTC1972 = 10

// LeapSecond is a leap second event parsed from a TZif file
type LeapSecond struct {
	// Time is when the leap second takes effect (UTC)
	Time time.Time
	// Total is the cumulative count of leap seconds applied at Time
	Total int32
}

// Parse reads leap second records from TZif data
func Parse(r io.Reader) ([]LeapSecond, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading TZif magic: %w", err)
	}
	if string(magic[:]) != "TZif" {
		return nil, fmt.Errorf("not a TZif file, got magic %q", magic)
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, 15); err != nil {
		return nil, err
	}
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if version[0] == 0 {
		return readLeapBlock(r, hdr, 4)
	}
	// version 2+: skip the whole v1 data block and its leap records, then
	// skip the second header before the 64-bit data block
	if err := skipDataBlock(r, hdr, 4); err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, 20); err != nil {
		return nil, err
	}
	hdr, err = readHeader(r)
	if err != nil {
		return nil, err
	}
	return readLeapBlock(r, hdr, 8)
}

// OffsetAt returns the TAI-UTC offset in seconds effective at the given time,
// according to the zoneinfo file at path
func OffsetAt(path string, at time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	leaps, err := Parse(f)
	if err != nil {
		return 0, err
	}
	offset := taiMinusUTC1972
	for _, l := range leaps {
		if l.Time.After(at) {
			break
		}
		offset = taiMinusUTC1972 + int(l.Total)
	}
	return offset, nil
}

type tzifHeader struct {
	isUTCnt  uint32
	isStdCnt uint32
	leapCnt  uint32
	timeCnt  uint32
	typeCnt  uint32
	charCnt  uint32
}

func readHeader(r io.Reader) (tzifHeader, error) {
	var hdr tzifHeader
	for _, field := range []*uint32{
		&hdr.isUTCnt, &hdr.isStdCnt, &hdr.leapCnt, &hdr.timeCnt, &hdr.typeCnt, &hdr.charCnt,
	} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return hdr, fmt.Errorf("reading TZif header: %w", err)
		}
	}
	return hdr, nil
}

// skipDataBlock discards transition times, types, local time records and the
// abbreviation table, plus the trailing leap/std/ut indicator arrays
func skipDataBlock(r io.Reader, hdr tzifHeader, timeSize int64) error {
	n := int64(hdr.timeCnt)*timeSize +
		int64(hdr.timeCnt) +
		int64(hdr.typeCnt)*6 +
		int64(hdr.charCnt) +
		int64(hdr.leapCnt)*(timeSize+4) +
		int64(hdr.isStdCnt) +
		int64(hdr.isUTCnt)
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// readLeapBlock skips ahead to the leap second records of a data block and
// parses them
func readLeapBlock(r io.Reader, hdr tzifHeader, timeSize int64) ([]LeapSecond, error) {
	skip := int64(hdr.timeCnt)*timeSize +
		int64(hdr.timeCnt) +
		int64(hdr.typeCnt)*6 +
		int64(hdr.charCnt)
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, err
	}
	leaps := make([]LeapSecond, 0, hdr.leapCnt)
	for i := uint32(0); i < hdr.leapCnt; i++ {
		var occur int64
		if timeSize == 8 {
			if err := binary.Read(r, binary.BigEndian, &occur); err != nil {
				return nil, fmt.Errorf("reading leap record %d: %w", i, err)
			}
		} else {
			var occur32 int32
			if err := binary.Read(r, binary.BigEndian, &occur32); err != nil {
				return nil, fmt.Errorf("reading leap record %d: %w", i, err)
			}
			occur = int64(occur32)
		}
		var total int32
		if err := binary.Read(r, binary.BigEndian, &total); err != nil {
			return nil, fmt.Errorf("reading leap record %d: %w", i, err)
		}
		leaps = append(leaps, LeapSecond{Time: time.Unix(occur, 0).UTC(), Total: total})
	}
	return leaps, nil
}
