// Package scheduler owns the live task set and decides which pending task
// starts next under the global CPU and memory weights.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/taskqd/taskqd/internal/resource"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/task"
	"github.com/taskqd/taskqd/pkg/logger"
	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// eventBacklog bounds the serializer queue.
const eventBacklog = 64

type event struct {
	fn   func()
	done chan struct{}
}

// launchFunc starts a process and returns its wait function. Swapped in
// tests to avoid spawning real children.
type launchFunc func(p *task.Process, action task.OnExitAction, at time.Time) (func() error, error)

type terminateFunc func(p *task.Process, action task.OnExitAction)

// Scheduler serializes every state change (new task, forced start, forced
// stop, child finished) through a single worker goroutine, so the task map
// and the admission computation never race.
type Scheduler struct {
	host       sysinfo.Host
	cgroupRoot string
	logger     *logger.Logger
	now        func() time.Time

	events   chan event
	stop     chan struct{}
	closed   chan struct{}
	stopOnce sync.Once

	// owned by the serializer goroutine
	procs  map[int64]*task.Process
	action task.OnExitAction

	launch    launchFunc
	terminate terminateFunc

	// OnTaskStarted fires when a task's start time is recorded.
	OnTaskStarted func(id int64, at time.Time)
	// OnTaskFinished fires when a task's end time is recorded.
	OnTaskFinished func(id int64, at time.Time)
}

// New creates a scheduler and starts its serializer.
func New(host sysinfo.Host, cgroupRoot string, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		host:       host,
		cgroupRoot: cgroupRoot,
		logger:     log.WithComponent("scheduler"),
		now:        time.Now,
		events:     make(chan event, eventBacklog),
		stop:       make(chan struct{}),
		closed:     make(chan struct{}),
		procs:      make(map[int64]*task.Process),
		action:     task.Kill,
		launch:     realLaunch,
		terminate:  realTerminate,
	}
	go s.run()
	return s
}

func realLaunch(p *task.Process, action task.OnExitAction, at time.Time) (func() error, error) {
	if err := p.Start(p.Task.UID, p.Task.GID, action, at); err != nil {
		return nil, err
	}
	return p.Wait, nil
}

func realTerminate(p *task.Process, action task.OnExitAction) {
	p.Stop(action)
}

func (s *Scheduler) run() {
	defer close(s.closed)
	for {
		select {
		case ev := <-s.events:
			ev.fn()
			if ev.done != nil {
				close(ev.done)
			}
		case <-s.stop:
			return
		}
	}
}

// do runs fn on the serializer and waits for it. After Shutdown the call is
// a no-op, so serializer methods return zero values instead of blocking.
func (s *Scheduler) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.events <- event{fn: fn, done: done}:
		select {
		case <-done:
		case <-s.closed:
		}
	case <-s.stop:
	}
}

// post queues fn without waiting. Used from child-wait goroutines; a child
// exiting after Shutdown is dropped here rather than sent to the stopped
// serializer.
func (s *Scheduler) post(fn func()) {
	select {
	case s.events <- event{fn: fn}:
	case <-s.stop:
	}
}

// SetLauncher overrides process launch and termination (tests only). Must
// be called before any task is added.
func (s *Scheduler) SetLauncher(launch launchFunc, terminate terminateFunc) {
	s.launch = launch
	s.terminate = terminate
}

// SetClock overrides the time source (tests only).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Shutdown stops the serializer. Idempotent; running children are left to
// their parent-death signal.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.closed
}

// LoadAll registers unfinished task rows read back at startup without
// starting them, then runs one admission pass.
func (s *Scheduler) LoadAll(rows []store.TaskRow) {
	s.do(func() {
		for _, row := range rows {
			t := task.FromRow(row)
			s.procs[t.ID] = task.NewProcess(t, s.cgroupRoot, s.host, s.logger)
		}
		s.schedule()
	})
}

// Add registers a new pending task and triggers admission.
func (s *Scheduler) Add(t *task.Task) {
	s.do(func() {
		s.procs[t.ID] = task.NewProcess(t, s.cgroupRoot, s.host, s.logger)
		s.schedule()
	})
}

// Start force-starts a pending task, bypassing admission.
func (s *Scheduler) Start(id int64) bool {
	var ok bool
	s.do(func() {
		p, found := s.procs[id]
		if !found || p.Task.State() != task.StatePending {
			return
		}
		ok = s.startProcess(p)
	})
	return ok
}

// Stop force-stops a running task per the current on-exit action. The
// finish handling runs when the child actually exits.
func (s *Scheduler) Stop(id int64) bool {
	var ok bool
	s.do(func() {
		p, found := s.procs[id]
		if !found || p.Task.State() != task.StateRunning {
			return
		}
		s.terminate(p, s.action)
		ok = true
	})
	return ok
}

// SetOnExitAction changes the signal used for future child setup and stops.
func (s *Scheduler) SetOnExitAction(action task.OnExitAction) {
	s.do(func() { s.action = action })
}

// State reports the lifecycle state of a live task.
func (s *Scheduler) State(id int64) (task.State, bool) {
	var st task.State
	var ok bool
	s.do(func() {
		if p, found := s.procs[id]; found {
			st, ok = p.Task.State(), true
		}
	})
	return st, ok
}

// Counts returns the number of running and pending tasks.
func (s *Scheduler) Counts() (running, pending int) {
	s.do(func() {
		for _, p := range s.procs {
			switch p.Task.State() {
			case task.StateRunning:
				running++
			case task.StatePending:
				pending++
			}
		}
	})
	return running, pending
}

// Mutate applies fn to a live task on the serializer. Used after an edit is
// persisted.
func (s *Scheduler) Mutate(id int64, fn func(*task.Task)) bool {
	var ok bool
	s.do(func() {
		if p, found := s.procs[id]; found {
			fn(p.Task)
			ok = true
		}
	})
	return ok
}

// schedule runs admission passes until no further task can start: compute
// the used weights from running tasks (an empty axis weighs 0, never the
// clamp), drop pending tasks whose demand exceeds the remaining headroom on
// both axes, start the best candidate.
func (s *Scheduler) schedule() {
	for {
		usedCPU, usedMem := s.usedResources()
		usedCPUWeight, usedMemWeight := 0.0, 0.0
		if usedCPU > 0 {
			usedCPUWeight = resource.CPUWeight(s.host, usedCPU)
		}
		if usedMem > 0 {
			usedMemWeight = resource.MemoryWeight(s.host, usedMem)
		}

		candidate := s.pickCandidate(usedCPUWeight, usedMemWeight)
		if candidate == nil {
			return
		}
		if !s.startProcess(candidate) {
			return
		}
	}
}

// usedResources sums the declared limits of running tasks. An unbounded
// axis (limit 0) claims nothing here; only the weight clamp saturates it.
func (s *Scheduler) usedResources() (cpu, mem int64) {
	for _, p := range s.procs {
		if p.Task.State() != task.StateRunning {
			continue
		}
		cpu += p.Task.Limits.CPU
		mem += p.Task.Limits.Memory
	}
	return cpu, mem
}

// pickCandidate returns the admissible pending task with the smallest nice,
// ties broken by smallest id. A task is rejected only when BOTH remaining
// axes are smaller than its demand.
func (s *Scheduler) pickCandidate(usedCPUWeight, usedMemWeight float64) *task.Process {
	var candidates []*task.Process
	for _, p := range s.procs {
		if p.Task.State() != task.StatePending {
			continue
		}
		cpuWeight := resource.CPUWeight(s.host, p.Task.Limits.CPU)
		memWeight := resource.MemoryWeight(s.host, p.Task.Limits.Memory)
		if (1-usedCPUWeight) < cpuWeight && (1-usedMemWeight) < memWeight {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Task, candidates[j].Task
		if a.Nice != b.Nice {
			return a.Nice < b.Nice
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// startProcess launches the child and arms the reaper goroutine.
func (s *Scheduler) startProcess(p *task.Process) bool {
	at := s.now()
	wait, err := s.launch(p, s.action, at)
	if err != nil {
		s.logger.Error().Err(err).Int64("task", p.Task.ID).Msg("failed to start task")
		return false
	}

	if s.OnTaskStarted != nil {
		s.OnTaskStarted(p.Task.ID, at)
	}

	go func() {
		if err := wait(); err != nil {
			s.logger.Info().Err(err).Int64("task", p.Task.ID).Msg("task exited with error")
		}
		s.post(func() { s.finishProcess(p) })
	}()
	return true
}

// finishProcess records the end time, removes the task from the live set
// and triggers the next admission pass.
func (s *Scheduler) finishProcess(p *task.Process) {
	at := s.now()
	p.Finish(at)
	delete(s.procs, p.Task.ID)

	if s.OnTaskFinished != nil {
		s.OnTaskFinished(p.Task.ID, at)
	}
	s.schedule()
}
