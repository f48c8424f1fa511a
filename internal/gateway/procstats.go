package gateway

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ProcessStats is the process resource snapshot in the stream status.
type ProcessStats struct {
	Goroutines  int     `json:"goroutines"`
	CPUCores    int     `json:"cpu_cores"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Load1       float64 `json:"load_1,omitempty"`
	Load5       float64 `json:"load_5,omitempty"`
	Load15      float64 `json:"load_15,omitempty"`
	UptimeSec   int64   `json:"uptime_sec"`
}

// CollectProcessStats reads runtime memory stats and, on Linux, the load average.
func CollectProcessStats(start time.Time) ProcessStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := ProcessStats{
		Goroutines:  runtime.NumGoroutine(),
		CPUCores:    runtime.NumCPU(),
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		SysMB:       float64(ms.Sys) / 1024 / 1024,
		GCRuns:      ms.NumGC,
		UptimeSec:   int64(time.Since(start).Seconds()),
	}
	s.Load1, s.Load5, s.Load15 = readLoadAvg("/proc/loadavg")
	return s
}

func readLoadAvg(path string) (l1, l5, l15 float64) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0
	}
	fields := strings.Fields(string(b))
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}
