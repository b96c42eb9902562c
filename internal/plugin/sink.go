// Package plugin implements the event sink contract, the fire-and-forget
// fanout and the registry of loaded plugins.
package plugin

import (
	"sync"

	"github.com/taskqd/taskqd/pkg/logger"
)

// Sink receives the daemon's domain events. Implementations must tolerate
// concurrent calls; the fanout never waits for them.
type Sink interface {
	OnAddTask(id int64)
	OnEditTask(id int64, changes map[string]any)
	OnStartTask(id int64)
	OnStopTask(id int64)
	OnAddUser(id int64)
	OnEditUser(id int64, changes map[string]any)
	OnAddPlugin(name string)
	OnRemovePlugin(name string)
	OnEditOption(key, value string)
}

// Fanout dispatches each event to every registered sink on its own
// goroutine, so a slow or panicking sink never blocks the caller.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *logger.Logger
}

// NewFanout creates an empty dispatcher.
func NewFanout(log *logger.Logger) *Fanout {
	return &Fanout{logger: log.WithComponent("plugins")}
}

// Register adds a sink to the dispatch list.
func (f *Fanout) Register(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *Fanout) dispatch(fn func(Sink)) {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, s := range sinks {
		go func(s Sink) {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error().Interface("panic", r).Msg("plugin sink panicked")
				}
			}()
			fn(s)
		}(s)
	}
}

func (f *Fanout) AddTask(id int64)         { f.dispatch(func(s Sink) { s.OnAddTask(id) }) }
func (f *Fanout) StartTask(id int64)       { f.dispatch(func(s Sink) { s.OnStartTask(id) }) }
func (f *Fanout) StopTask(id int64)        { f.dispatch(func(s Sink) { s.OnStopTask(id) }) }
func (f *Fanout) AddUser(id int64)         { f.dispatch(func(s Sink) { s.OnAddUser(id) }) }
func (f *Fanout) AddPlugin(name string)    { f.dispatch(func(s Sink) { s.OnAddPlugin(name) }) }
func (f *Fanout) RemovePlugin(name string) { f.dispatch(func(s Sink) { s.OnRemovePlugin(name) }) }

func (f *Fanout) EditTask(id int64, changes map[string]any) {
	f.dispatch(func(s Sink) { s.OnEditTask(id, changes) })
}

func (f *Fanout) EditUser(id int64, changes map[string]any) {
	f.dispatch(func(s Sink) { s.OnEditUser(id, changes) })
}

func (f *Fanout) EditOption(key, value string) {
	f.dispatch(func(s Sink) { s.OnEditOption(key, value) })
}
