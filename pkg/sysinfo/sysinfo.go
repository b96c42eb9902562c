// Package sysinfo reports the host capacities the admission weights are
// computed against.
package sysinfo

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Host describes the capacity of the machine the daemon runs on.
type Host struct {
	CPUCount    int64
	MemoryBytes int64
}

// Detect reads the host CPU count and total memory.
func Detect() Host {
	return Host{
		CPUCount:    int64(runtime.NumCPU()),
		MemoryBytes: totalMemory(),
	}
}

// totalMemory parses MemTotal from /proc/meminfo. Returns 1 on failure so
// weight divisions stay defined.
func totalMemory() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 1
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb * 1024
	}
	return 1
}
