// Package resource manages the per-task resource container enforcing CPU
// quota and memory caps, and the capacity weights used for admission.
package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// cpuPeriodMicros is the fixed scheduling period the CPU quota is written
// against; the quota scales with the host CPU count on top of it.
const cpuPeriodMicros = 1000

// Group is a named resource container, one per task.
type Group struct {
	name string
	root string
	host sysinfo.Host
}

// NewGroup creates a handle on the container for the given task id. The
// root is the controller mount point (injectable for tests).
func NewGroup(taskID int64, root string, host sysinfo.Host) *Group {
	return &Group{
		name: fmt.Sprintf("taskqd-task-%d", taskID),
		root: root,
		host: host,
	}
}

// Name returns the container name.
func (g *Group) Name() string {
	return g.name
}

func (g *Group) path(file string) string {
	return filepath.Join(g.root, g.name, file)
}

// Create materializes the container directory.
func (g *Group) Create() error {
	if err := os.MkdirAll(filepath.Join(g.root, g.name), 0o755); err != nil {
		return fmt.Errorf("failed to create resource group %s: %w", g.name, err)
	}
	return g.write("cpu.cfs_period_us", strconv.Itoa(cpuPeriodMicros))
}

// Remove tears the container down. Idempotent.
func (g *Group) Remove() error {
	err := os.Remove(filepath.Join(g.root, g.name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove resource group %s: %w", g.name, err)
	}
	return nil
}

// Attach adds a process to the container.
func (g *Group) Attach(pid int) error {
	return g.write("cgroup.procs", strconv.Itoa(pid))
}

// SetCPULimit caps the container at the given number of CPU shares. The
// raw quota is the share of the fixed period scaled by the host CPU count;
// 0 shares leaves the container at the host maximum.
func (g *Group) SetCPULimit(shares int64) error {
	if shares <= 0 || shares >= g.host.CPUCount {
		shares = g.host.CPUCount
	}
	quota := shares * cpuPeriodMicros / g.host.CPUCount
	return g.write("cpu.cfs_quota_us", strconv.FormatInt(quota, 10))
}

// CPULimit reads the cap back in CPU shares.
func (g *Group) CPULimit() (int64, error) {
	raw, err := os.ReadFile(g.path("cpu.cfs_quota_us"))
	if err != nil {
		return 0, err
	}
	quota, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, err
	}
	return quota * g.host.CPUCount / cpuPeriodMicros, nil
}

// SetMemoryLimit caps the container memory in bytes; 0 leaves it at the
// host maximum.
func (g *Group) SetMemoryLimit(bytes int64) error {
	if bytes <= 0 || bytes > g.host.MemoryBytes {
		bytes = g.host.MemoryBytes
	}
	return g.write("memory.limit_in_bytes", strconv.FormatInt(bytes, 10))
}

func (g *Group) write(file, value string) error {
	if err := os.WriteFile(g.path(file), []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write %s for %s: %w", file, g.name, err)
	}
	return nil
}
