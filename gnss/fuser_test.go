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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rmcAt builds a valid RMC sentence for the given UTC time
func rmcAt(ts time.Time) string {
	payload := fmt.Sprintf("GPRMC,%02d%02d%02d.00,A,5234.56789,N,01323.45678,E,0.004,,%02d%02d%02d,,,A",
		ts.Hour(), ts.Minute(), ts.Second(), ts.Day(), int(ts.Month()), ts.Year()%100)
	return sentence(payload)
}

// lockFuser drives f through association: pulses at whole seconds, valid RMC
// sentences arriving 200ms after each pulse. Returns the UTC second of the
// last pulse and its sequence.
func lockFuser(t *testing.T, f *Fuser) (time.Time, uint64) {
	t.Helper()
	utc := time.Date(2025, time.August, 21, 7, 15, 0, 0, time.UTC)
	var seq uint64 = 100
	for i := 0; i < 8; i++ {
		f.IngestPulse(utc, seq)
		arrival := utc.Add(200 * time.Millisecond)
		_, ok := f.IngestLine(rmcAt(utc), arrival)
		require.True(t, ok)
		if f.Locked() {
			return utc, seq
		}
		utc = utc.Add(time.Second)
		seq++
	}
	require.True(t, f.Locked(), "fuser did not lock after 8 pulse/sentence pairs")
	return utc, seq
}

func TestFuserAssociationLock(t *testing.T) {
	f := NewFuser(FuserConfig{})
	utc, seq := lockFuser(t, f)

	m := f.Mapping()
	require.True(t, m.Locked)
	// the sentence arrived 200ms after the edge, so it labels that edge
	require.Equal(t, seq, m.BaseSeq)
	require.Equal(t, utc.Unix(), m.BaseUTC)
}

func TestFuserAssociationNextPulse(t *testing.T) {
	// sentences arriving just before the labeled second's edge: dt to the
	// previous pulse is ~990ms, so the mapping must anchor to the next pulse
	f := NewFuser(FuserConfig{})
	utc := time.Date(2025, time.August, 21, 7, 15, 0, 0, time.UTC)
	var seq uint64 = 500
	for i := 0; i < 8 && !f.Locked(); i++ {
		f.IngestPulse(utc, seq)
		next := utc.Add(time.Second)
		arrival := next.Add(-10 * time.Millisecond)
		f.IngestLine(rmcAt(next), arrival)
		utc = next
		seq++
	}
	require.True(t, f.Locked())
	m := f.Mapping()
	// feed the edge of the sentence's second and verify the derived second
	// matches what the sentences announced
	ev := f.IngestPulse(utc, seq)
	require.Equal(t, utc.Unix(), m.ExpectedUTC(ev.Sequence))
}

func TestBaseMappingInvariant(t *testing.T) {
	m := BaseMapping{BaseSeq: 100, BaseUTC: 50000, Locked: true}
	require.Equal(t, int64(50003), m.ExpectedUTC(103))
	require.Equal(t, int64(50000), m.ExpectedUTC(100))
	require.Equal(t, int64(51000), m.ExpectedUTC(1100))
}

func TestFuserDropoutDetection(t *testing.T) {
	f := NewFuser(FuserConfig{})
	base := time.Date(2025, time.August, 21, 7, 0, 0, 0, time.UTC)
	ev := f.IngestPulse(base, 10)
	require.False(t, ev.Dropout)

	ev = f.IngestPulse(base.Add(time.Second), 11)
	require.False(t, ev.Dropout)
	require.Equal(t, uint64(1), ev.SeqDelta)

	ev = f.IngestPulse(base.Add(4*time.Second), 14)
	require.True(t, ev.Dropout)
	require.Equal(t, uint64(3), ev.SeqDelta)
	require.Equal(t, uint64(1), f.Counters().Dropouts)
}

func TestFuserDropoutKeepsMapping(t *testing.T) {
	f := NewFuser(FuserConfig{MaxConsecutiveDropouts: 5})
	utc, seq := lockFuser(t, f)

	// one missed pulse does not unlock, and the derived second stays correct
	f.IngestPulse(utc.Add(2*time.Second), seq+2)
	require.True(t, f.Locked())
	require.Equal(t, utc.Unix()+2, f.Mapping().ExpectedUTC(seq+2))
}

func TestFuserSustainedDropoutResets(t *testing.T) {
	f := NewFuser(FuserConfig{MaxConsecutiveDropouts: 2})
	utc, seq := lockFuser(t, f)

	f.IngestPulse(utc.Add(3*time.Second), seq+3)
	require.True(t, f.Locked())
	f.IngestPulse(utc.Add(6*time.Second), seq+6)
	require.True(t, f.Locked())
	ev := f.IngestPulse(utc.Add(9*time.Second), seq+9)
	require.False(t, f.Locked())
	require.Equal(t, uint64(1), f.Counters().Relocks)
	// the event still reports what the hardware counter did
	require.True(t, ev.Dropout)
	require.Equal(t, uint64(3), ev.SeqDelta)
}

func TestFuserJitter(t *testing.T) {
	f := NewFuser(FuserConfig{})
	base := time.Date(2025, time.August, 21, 7, 0, 0, 0, time.UTC)
	f.IngestPulse(base, 1)
	ev := f.IngestPulse(base.Add(time.Second+250*time.Nanosecond), 2)
	require.Equal(t, uint64(250), ev.JitterNS)
	ev = f.IngestPulse(base.Add(2*time.Second-100*time.Nanosecond), 3)
	require.Equal(t, uint64(350), ev.JitterNS)

	// reading the window leaves it intact
	require.Equal(t, uint64(350), f.MaxJitterNS())
	require.Equal(t, uint64(350), f.MaxJitterNS())

	// taking it starts a fresh one
	require.Equal(t, uint64(350), f.TakeMaxJitterNS())
	require.Equal(t, uint64(0), f.MaxJitterNS())
}

func TestFuserJitterAcrossStep(t *testing.T) {
	f := NewFuser(FuserConfig{})
	base := time.Date(2025, time.August, 21, 7, 0, 0, 0, time.UTC)
	f.IngestPulse(base, 1)
	// the clock is stepped +500ms between pulses; the next assert timestamp
	// includes the step, which must not show up as pulse jitter
	f.NotifyClockStepped(500_000_000)
	ev := f.IngestPulse(base.Add(time.Second+500*time.Millisecond+100*time.Nanosecond), 2)
	require.Equal(t, uint64(100), ev.JitterNS)
}

func TestFuserTAITime(t *testing.T) {
	f := NewFuser(FuserConfig{LeapOffset: 37})
	utc, _ := lockFuser(t, f)

	tai, ok := f.TAITime()
	require.True(t, ok)
	require.Equal(t, utc.Unix()+37, tai.Unix())
}

func TestFuserTAITimeAt(t *testing.T) {
	f := NewFuser(FuserConfig{LeapOffset: 37})
	utc, seq := lockFuser(t, f)

	// the answer follows the asked-for sequence, not the latest pulse
	f.IngestPulse(utc.Add(time.Second), seq+1)
	tai, ok := f.TAITimeAt(seq)
	require.True(t, ok)
	require.Equal(t, utc.Unix()+37, tai.Unix())

	tai, ok = f.TAITimeAt(seq + 5)
	require.True(t, ok)
	require.Equal(t, utc.Unix()+5+37, tai.Unix())
}

func TestFuserTAITimeUnavailable(t *testing.T) {
	f := NewFuser(FuserConfig{})
	_, ok := f.TAITime()
	require.False(t, ok)

	// pulses alone without association are not enough
	f.IngestPulse(time.Now(), 1)
	_, ok = f.TAITime()
	require.False(t, ok)
}

func TestFuserClockQuality(t *testing.T) {
	f := NewFuser(FuserConfig{})
	_, ok := f.ClockQuality()
	require.False(t, ok)

	utc, _ := lockFuser(t, f)
	// merge in a GGA fix
	gga := sentence("GPGGA,071542.00,5234.56789,N,01323.45678,E,2,12,0.61,43.9,M,45.0,M,,")
	_, ok = f.IngestLine(gga, utc)
	require.True(t, ok)

	q, ok := f.ClockQuality()
	require.True(t, ok)
	require.Equal(t, ClockClassLocked, q.Class)
}

func TestFuserParseErrorCounter(t *testing.T) {
	f := NewFuser(FuserConfig{})
	_, ok := f.IngestLine("garbage", time.Now())
	require.False(t, ok)
	_, ok = f.IngestLine("$GPRMC,junk*00", time.Now())
	require.False(t, ok)
	require.Equal(t, uint64(2), f.Counters().ParseErrors)
}

func TestFuserUnsupportedSentenceIgnored(t *testing.T) {
	f := NewFuser(FuserConfig{})
	_, ok := f.IngestLine(sentence("GPGSV,3,1,11,10,63,137,17"), time.Now())
	require.False(t, ok)
	// unsupported but well-formed sentences are not parse errors
	require.Equal(t, uint64(0), f.Counters().ParseErrors)
}

func TestFuserReset(t *testing.T) {
	f := NewFuser(FuserConfig{})
	lockFuser(t, f)
	f.Reset()
	require.False(t, f.Locked())
	_, ok := f.TAITime()
	require.False(t, ok)
}
