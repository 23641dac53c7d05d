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

package rtc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestRTCTimeLayout(t *testing.T) {
	require.Equal(t, uintptr(36), unsafe.Sizeof(rtcTime{}))
	require.Equal(t, uint(0x80247009), uint(iocReadTime))
	require.Equal(t, uint(0x4024700A), uint(iocSetTime))
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open("/dev/rtc-does-not-exist")
	require.Error(t, err)
}
