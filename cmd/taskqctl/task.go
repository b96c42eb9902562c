package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskqd/taskqd/internal/limits"
)

var (
	taskUser      int64
	taskWorkdir   string
	taskNice      int64
	taskCPUs      int64
	taskGPUs      int64
	taskMemory    string
	taskGPUMemory string
	taskStorage   string

	taskListUser string
	taskListFrom string
	taskListTo   string
)

var taskAddCmd = &cobra.Command{
	Use:   "task-add <command> [args...]",
	Short: "Submit a task to the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lim, err := limitFlags()
		if err != nil {
			return err
		}

		body := map[string]any{
			"command":           args[0],
			"arguments":         args[1:],
			"working_directory": taskWorkdir,
			"nice":              taskNice,
			"limits":            lim,
			"user_id":           taskUser,
		}

		var created map[string]any
		if err := newClient().do(http.MethodPost, "/task", body, &created); err != nil {
			return err
		}
		return printJSON(created)
	},
}

// limitFlags encodes the five limit flags into the wire tuple. Memory-like
// flags accept K/M/G suffixes.
func limitFlags() (string, error) {
	memory, err := memoryFlag(taskMemory, "memory")
	if err != nil {
		return "", err
	}
	gpuMemory, err := memoryFlag(taskGPUMemory, "gpu-memory")
	if err != nil {
		return "", err
	}
	storage, err := memoryFlag(taskStorage, "storage")
	if err != nil {
		return "", err
	}

	return limits.Limits{
		CPU:       taskCPUs,
		GPU:       taskGPUs,
		Memory:    memory,
		GPUMemory: gpuMemory,
		Storage:   storage,
	}.Encode(), nil
}

func memoryFlag(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := limits.ParseMemory(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s value %q: %w", name, raw, err)
	}
	return v, nil
}

var taskGetCmd = &cobra.Command{
	Use:   "task-get <id>",
	Short: "Print one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var row map[string]any
		if err := newClient().do(http.MethodGet, "/task/"+args[0], nil, &row); err != nil {
			return err
		}
		return printJSON(row)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "task-list",
	Short: "List tasks in a window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rows []map[string]any
		if err := newClient().do(http.MethodGet, "/tasks"+window(taskListFrom, taskListTo, taskListUser), nil, &rows); err != nil {
			return err
		}
		return printJSON(rows)
	},
}

var taskSetCmd = &cobra.Command{
	Use:   "task-set <id> <column>=<value> [...]",
	Short: "Edit task columns",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		return newClient().do(http.MethodPost, "/task/"+args[0], fields, nil)
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "task-start <id>",
	Short: "Force-start a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleTask(args[0], "started") },
}

var taskStopCmd = &cobra.Command{
	Use:   "task-stop <id>",
	Short: "Stop a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleTask(args[0], "stopped") },
}

// toggleTask drives the daemon's start/stop toggle and verifies it took the
// requested direction.
func toggleTask(id, want string) error {
	var data map[string]string
	if err := newClient().do(http.MethodPut, "/task/"+id, map[string]any{}, &data); err != nil {
		return err
	}
	if data["action"] != want {
		return fmt.Errorf("task %s was %s instead", id, data["action"])
	}
	fmt.Println(data["action"])
	return nil
}

// parseFields turns column=value arguments into a partial row. Integer
// values are sent as numbers so numeric columns bind correctly.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("expected <column>=<value>, got %q", pair)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			fields[name] = n
		} else {
			fields[name] = value
		}
	}
	return fields, nil
}

func init() {
	flags := taskAddCmd.Flags()
	flags.Int64Var(&taskUser, "user", 0, "submit for this user id (requires Admin)")
	flags.StringVar(&taskWorkdir, "workdir", "", "working directory")
	flags.Int64Var(&taskNice, "nice", 0, "niceness 0-39, clamped by the owner's priority")
	flags.Int64Var(&taskCPUs, "cpus", 0, "CPU core limit (0 = unbounded)")
	flags.Int64Var(&taskGPUs, "gpus", 0, "GPU limit (0 = unbounded)")
	flags.StringVar(&taskMemory, "memory", "", "memory limit, K/M/G suffixes (0 = unbounded)")
	flags.StringVar(&taskGPUMemory, "gpu-memory", "", "GPU memory limit (0 = unbounded)")
	flags.StringVar(&taskStorage, "storage", "", "storage limit (0 = unbounded)")

	listFlags := taskListCmd.Flags()
	listFlags.StringVar(&taskListUser, "user", "", "filter by user id")
	listFlags.StringVar(&taskListFrom, "from", "", "window start (ISO-8601)")
	listFlags.StringVar(&taskListTo, "to", "", "window end (ISO-8601)")
}
