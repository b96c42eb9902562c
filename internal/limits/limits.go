// Package limits implements the 5-tuple resource quota carried by users,
// tasks and the DefaultLimits setting. A value of 0 means "no limit on
// that axis".
package limits

import (
	"strconv"
	"strings"
)

// Limits is the per-axis quota tuple.
type Limits struct {
	CPU       int64 `json:"cpu"`
	GPU       int64 `json:"gpu"`
	Memory    int64 `json:"memory"`
	GPUMemory int64 `json:"gpumemory"`
	Storage   int64 `json:"storage"`
}

// Parse decodes the persisted form: five decimal integers joined by LF in
// the order cpu, gpu, memory, gpumemory, storage. Fewer than five lines are
// right-padded with "0"; malformed lines decode as 0.
func Parse(s string) Limits {
	lines := strings.Split(s, "\n")
	for len(lines) < 5 {
		lines = append(lines, "0")
	}

	get := func(i int) int64 {
		n, err := strconv.ParseInt(strings.TrimSpace(lines[i]), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}

	return Limits{
		CPU:       get(0),
		GPU:       get(1),
		Memory:    get(2),
		GPUMemory: get(3),
		Storage:   get(4),
	}
}

// Encode renders the persisted LF-joined form.
func (l Limits) Encode() string {
	parts := []string{
		strconv.FormatInt(l.CPU, 10),
		strconv.FormatInt(l.GPU, 10),
		strconv.FormatInt(l.Memory, 10),
		strconv.FormatInt(l.GPUMemory, 10),
		strconv.FormatInt(l.Storage, 10),
	}
	return strings.Join(parts, "\n")
}

// Minimal takes the per-axis minimum across task, user and default limits,
// where 0 is treated as "no constraint": 0 loses to any positive value, and
// the result is 0 only when all three are 0.
func Minimal(task, user, def Limits) Limits {
	return Limits{
		CPU:       minAxis(task.CPU, user.CPU, def.CPU),
		GPU:       minAxis(task.GPU, user.GPU, def.GPU),
		Memory:    minAxis(task.Memory, user.Memory, def.Memory),
		GPUMemory: minAxis(task.GPUMemory, user.GPUMemory, def.GPUMemory),
		Storage:   minAxis(task.Storage, user.Storage, def.Storage),
	}
}

func minAxis(values ...int64) int64 {
	var result int64
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if result == 0 || v < result {
			result = v
		}
	}
	return result
}

// ParseMemory decodes a memory literal: suffix K, M or G scales by 1024,
// 1024^2 or 1024^3; anything else is a plain decimal integer.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
