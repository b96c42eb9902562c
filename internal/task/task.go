// Package task holds the task entity and the Process wrapper that runs a
// task as a supervised child process inside its resource group.
package task

import (
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/taskqd/taskqd/internal/limits"
	"github.com/taskqd/taskqd/internal/store"
)

// OnExitAction selects the signal delivered to a task's child tree when the
// task is stopped or the daemon dies.
type OnExitAction int64

const (
	Terminate OnExitAction = 1
	Kill      OnExitAction = 2
)

// Signal maps the action to its OS signal. Unknown values behave as Kill.
func (a OnExitAction) Signal() syscall.Signal {
	if a == Terminate {
		return syscall.SIGTERM
	}
	return syscall.SIGKILL
}

// State is the derived lifecycle state of a task.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Task is the in-memory task entity.
type Task struct {
	ID               int64         `json:"_id"`
	UserID           int64         `json:"user_id"`
	Command          string        `json:"command"`
	Arguments        []string      `json:"arguments"`
	WorkingDirectory string        `json:"working_directory"`
	UID              int64         `json:"uid"`
	GID              int64         `json:"gid"`
	Nice             int64         `json:"nice"`
	Limits           limits.Limits `json:"limits"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
}

// State derives the lifecycle state from the recorded times.
func (t *Task) State() State {
	switch {
	case t.EndTime != nil:
		return StateFinished
	case t.StartTime != nil:
		return StateRunning
	}
	return StatePending
}

// Row renders the entity back into its persisted form. Arguments are
// LF-joined to keep the ordered list in a single column.
func (t *Task) Row() store.TaskRow {
	return store.TaskRow{
		ID:               t.ID,
		UserID:           t.UserID,
		Command:          t.Command,
		Arguments:        strings.Join(t.Arguments, "\n"),
		WorkingDirectory: t.WorkingDirectory,
		UID:              t.UID,
		GID:              t.GID,
		Nice:             t.Nice,
		Limits:           t.Limits.Encode(),
		StartTime:        t.StartTime,
		EndTime:          t.EndTime,
	}
}

// FromRow builds the entity from a persisted row. An empty working
// directory falls back to the system temp location.
func FromRow(row store.TaskRow) *Task {
	var args []string
	if row.Arguments != "" {
		args = strings.Split(row.Arguments, "\n")
	}

	workdir := row.WorkingDirectory
	if workdir == "" {
		workdir = os.TempDir()
	}

	return &Task{
		ID:               row.ID,
		UserID:           row.UserID,
		Command:          row.Command,
		Arguments:        args,
		WorkingDirectory: workdir,
		UID:              row.UID,
		GID:              row.GID,
		Nice:             row.Nice,
		Limits:           limits.Parse(row.Limits),
		StartTime:        row.StartTime,
		EndTime:          row.EndTime,
	}
}
