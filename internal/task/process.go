package task

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taskqd/taskqd/internal/limits"
	"github.com/taskqd/taskqd/internal/resource"
	"github.com/taskqd/taskqd/pkg/logger"
	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// Process binds a task to its child process and resource group.
type Process struct {
	Task *Task

	group  *resource.Group
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	uid    int64
	gid    int64
	logger *logger.Logger
}

// NewProcess wraps a task without starting it.
func NewProcess(t *Task, cgroupRoot string, host sysinfo.Host, log *logger.Logger) *Process {
	return &Process{
		Task:   t,
		group:  resource.NewGroup(t.ID, cgroupRoot, host),
		logger: log.WithComponent("process").WithTaskID(t.ID),
	}
}

// Name returns the process name, shared with its resource group.
func (p *Process) Name() string {
	return p.group.Name()
}

// LogOutput is the stdout log path inside the task's working directory.
func (p *Process) LogOutput() string {
	return filepath.Join(p.Task.WorkingDirectory, p.Name()+"-out.log")
}

// LogError is the stderr log path inside the task's working directory.
func (p *Process) LogError() string {
	return filepath.Join(p.Task.WorkingDirectory, p.Name()+"-err.log")
}

// NativeLimits returns the task's parsed limit tuple.
func (p *Process) NativeLimits() limits.Limits {
	return p.Task.Limits
}

// Pid returns the root child's PID, or 0 before Start.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the task: resource group with caps from the limit tuple
// (0 leaves an axis at the host maximum), child with stdout/stderr appended
// to the log files, parent-death signal from the on-exit action, credential
// switch when running as root, nice applied to the child, PID attached to
// the group, start time recorded last.
func (p *Process) Start(uid, gid int64, action OnExitAction, at time.Time) error {
	if p.Task.State() != StatePending {
		return fmt.Errorf("task %d is %s, not pending", p.Task.ID, p.Task.State())
	}

	if err := p.group.Create(); err != nil {
		return err
	}
	if err := p.group.SetCPULimit(p.Task.Limits.CPU); err != nil {
		p.cleanupGroup()
		return err
	}
	if err := p.group.SetMemoryLimit(p.Task.Limits.Memory); err != nil {
		p.cleanupGroup()
		return err
	}

	var err error
	p.stdout, err = openLog(p.LogOutput())
	if err != nil {
		p.cleanupGroup()
		return err
	}
	p.stderr, err = openLog(p.LogError())
	if err != nil {
		p.closeLogs()
		p.cleanupGroup()
		return err
	}

	cmd := exec.Command(p.Task.Command, p.Task.Arguments...)
	cmd.Dir = p.Task.WorkingDirectory
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	attr := &syscall.SysProcAttr{Pdeathsig: action.Signal()}
	if os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		p.closeLogs()
		p.cleanupGroup()
		return fmt.Errorf("failed to start task %d: %w", p.Task.ID, err)
	}
	p.cmd = cmd
	p.uid, p.gid = uid, gid

	pid := cmd.Process.Pid
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, int(p.Task.Nice)); err != nil {
		p.logger.Warn().Err(err).Int("pid", pid).Msg("failed to set nice")
	}
	if err := p.group.Attach(pid); err != nil {
		p.logger.Warn().Err(err).Int("pid", pid).Msg("failed to attach pid to resource group")
	}

	p.Task.StartTime = &at
	p.logger.Info().Int("pid", pid).Str("command", p.Task.Command).Msg("task started")
	return nil
}

// Wait blocks until the root child exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Finish records the end time, hands the log files to the task's owner
// (best-effort) and tears the resource group down.
func (p *Process) Finish(at time.Time) {
	p.closeLogs()
	for _, path := range []string{p.LogOutput(), p.LogError()} {
		if err := os.Chown(path, int(p.uid), int(p.gid)); err != nil {
			p.logger.Debug().Err(err).Str("path", path).Msg("failed to chown log")
		}
	}

	p.Task.EndTime = &at
	p.cleanupGroup()
	p.logger.Info().Msg("task finished")
}

// Stop kills the child tree, then signals the root child per the action.
func (p *Process) Stop(action OnExitAction) {
	p.KillChildren()
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(action.Signal()); err != nil {
			p.logger.Warn().Err(err).Msg("failed to signal task")
		}
	}
}

// ChildrenPids scans the OS process table for direct children of the root
// child. Best-effort: unreadable entries are skipped.
func (p *Process) ChildrenPids() []int {
	parent := p.Pid()
	if parent == 0 {
		return nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if parentPid(pid) == parent {
			pids = append(pids, pid)
		}
	}
	return pids
}

// KillChildren delivers SIGTERM to each child of the root child, escalating
// to SIGKILL when the first signal fails.
func (p *Process) KillChildren() {
	for _, pid := range p.ChildrenPids() {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			if err := unix.Kill(pid, unix.SIGKILL); err != nil {
				p.logger.Warn().Err(err).Int("pid", pid).Msg("failed to kill child")
			}
		}
	}
}

func (p *Process) cleanupGroup() {
	if err := p.group.Remove(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to remove resource group")
	}
}

func (p *Process) closeLogs() {
	if p.stdout != nil {
		p.stdout.Close()
		p.stdout = nil
	}
	if p.stderr != nil {
		p.stderr.Close()
		p.stderr = nil
	}
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	return f, nil
}

// parentPid reads the PPid line of /proc/<pid>/status, -1 when unreadable.
func parentPid(pid int) int {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if rest, ok := strings.CutPrefix(line, "PPid:"); ok {
			ppid, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return -1
			}
			return ppid
		}
	}
	return -1
}
