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
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// collectSysStats gathers process and runtime health counters into the stats
// server. Failures to read any individual source are simply skipped.
func collectSysStats(stats StatsServer) {
	stats.SetCounter("process.alive_since", procStartTime.Unix())
	stats.SetCounter("process.uptime", time.Now().Unix()-procStartTime.Unix())

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if val, err := proc.MemoryInfo(); err == nil {
			stats.SetCounter("process.rss", int64(val.RSS))
			stats.SetCounter("process.vms", int64(val.VMS))
		}
		if val, err := proc.NumFDs(); err == nil {
			stats.SetCounter("process.num_fds", int64(val))
		}
		if val, err := proc.NumThreads(); err == nil {
			stats.SetCounter("process.num_threads", int64(val))
		}
		if val, err := proc.Percent(0); err == nil {
			stats.SetCounter("process.cpu_permil", int64(val*1000))
		}
	}

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	stats.SetCounter("runtime.goroutines", int64(runtime.NumGoroutine()))
	stats.SetCounter("runtime.mem.heap.alloc", int64(m.HeapAlloc))
	stats.SetCounter("runtime.mem.heap.objects", int64(m.HeapObjects))
	stats.SetCounter("runtime.mem.gc.count", int64(m.NumGC))
	stats.SetCounter("runtime.mem.gc.pause_total", int64(m.PauseTotalNs))
}
