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

package leapsec

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tzifV1 builds a minimal version 1 TZif file carrying only leap records
func tzifV1(leaps []LeapSecond) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("TZif")
	buf.Write(make([]byte, 16)) // version 0 + reserved
	hdr := []uint32{0, 0, uint32(len(leaps)), 0, 0, 0}
	for _, v := range hdr {
		binary.Write(buf, binary.BigEndian, v)
	}
	for _, l := range leaps {
		binary.Write(buf, binary.BigEndian, int32(l.Time.Unix()))
		binary.Write(buf, binary.BigEndian, l.Total)
	}
	return buf.Bytes()
}

// tzifV2 builds a version 2 TZif file: empty v1 block followed by a 64-bit
// block carrying the leap records
func tzifV2(leaps []LeapSecond) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("TZif2")
	buf.Write(make([]byte, 15))
	for _, v := range []uint32{0, 0, 0, 0, 0, 0} {
		binary.Write(buf, binary.BigEndian, v)
	}
	buf.WriteString("TZif2")
	buf.Write(make([]byte, 15))
	hdr := []uint32{0, 0, uint32(len(leaps)), 0, 0, 0}
	for _, v := range hdr {
		binary.Write(buf, binary.BigEndian, v)
	}
	for _, l := range leaps {
		binary.Write(buf, binary.BigEndian, l.Time.Unix())
		binary.Write(buf, binary.BigEndian, l.Total)
	}
	return buf.Bytes()
}

var sampleLeaps = []LeapSecond{
	{Time: time.Date(1972, 7, 1, 0, 0, 0, 0, time.UTC), Total: 1},
	{Time: time.Date(2015, 7, 1, 0, 0, 0, 0, time.UTC), Total: 26},
	{Time: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), Total: 27},
}

func TestParseV1(t *testing.T) {
	got, err := Parse(bytes.NewReader(tzifV1(sampleLeaps)))
	require.NoError(t, err)
	require.Equal(t, sampleLeaps, got)
}

func TestParseV2(t *testing.T) {
	got, err := Parse(bytes.NewReader(tzifV2(sampleLeaps)))
	require.NoError(t, err)
	require.Equal(t, sampleLeaps, got)
}

func TestParseBadMagic(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("NOPE0000000000000000")))
	require.Error(t, err)
}

func TestOffsetAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "UTC")
	require.NoError(t, os.WriteFile(path, tzifV2(sampleLeaps), 0644))

	offset, err := OffsetAt(path, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 37, offset)

	offset, err = OffsetAt(path, time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 36, offset)

	offset, err = OffsetAt(path, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 10, offset)
}

func TestOffsetAtMissingFile(t *testing.T) {
	_, err := OffsetAt(filepath.Join(t.TempDir(), "nope"), time.Now())
	require.Error(t, err)
}
