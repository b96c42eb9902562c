package resource

import "github.com/taskqd/taskqd/pkg/sysinfo"

// CPUWeight maps a CPU share count to the fraction of the host it claims.
// 0 or anything at or above the host count weighs 1.0; the mapping is
// strictly monotonic in between.
func CPUWeight(host sysinfo.Host, shares int64) float64 {
	if shares <= 0 || shares >= host.CPUCount {
		return 1.0
	}
	return float64(shares) / float64(host.CPUCount)
}

// MemoryWeight maps a byte count to the fraction of host memory it claims,
// with the same clamping as CPUWeight.
func MemoryWeight(host sysinfo.Host, bytes int64) float64 {
	if bytes <= 0 || bytes >= host.MemoryBytes {
		return 1.0
	}
	return float64(bytes) / float64(host.MemoryBytes)
}
