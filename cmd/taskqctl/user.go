package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/taskqd/taskqd/internal/limits"
)

var (
	userEmail       string
	userPassword    string
	userPermissions int64
	userPriority    int64
	userCPUs        int64
	userGPUs        int64
	userMemory      string
	userGPUMemory   string
	userStorage     string

	userListLogged     string
	userListPermission string
)

var userAddCmd = &cobra.Command{
	Use:   "user-add <name>",
	Short: "Create a user (requires Admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		memory, err := memoryFlag(userMemory, "memory")
		if err != nil {
			return err
		}
		gpuMemory, err := memoryFlag(userGPUMemory, "gpu-memory")
		if err != nil {
			return err
		}
		storage, err := memoryFlag(userStorage, "storage")
		if err != nil {
			return err
		}

		body := map[string]any{
			"name":        args[0],
			"email":       userEmail,
			"password":    userPassword,
			"permissions": userPermissions,
			"priority":    userPriority,
			"limits": limits.Limits{
				CPU:       userCPUs,
				GPU:       userGPUs,
				Memory:    memory,
				GPUMemory: gpuMemory,
				Storage:   storage,
			}.Encode(),
		}

		var created map[string]any
		if err := newClient().do(http.MethodPost, "/user", body, &created); err != nil {
			return err
		}
		return printJSON(created)
	},
}

var userGetCmd = &cobra.Command{
	Use:   "user-get <name>",
	Short: "Print one user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u map[string]any
		if err := newClient().do(http.MethodGet, "/user/"+url.PathEscape(args[0]), nil, &u); err != nil {
			return err
		}
		return printJSON(u)
	},
}

var userListCmd = &cobra.Command{
	Use:   "user-list",
	Short: "List users, optionally filtered by last login and permission",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values := url.Values{}
		if userListLogged != "" {
			values.Set("last_logged", userListLogged)
		}
		if userListPermission != "" {
			values.Set("permission", userListPermission)
		}
		path := "/users"
		if len(values) > 0 {
			path += "?" + values.Encode()
		}

		var rows []map[string]any
		if err := newClient().do(http.MethodGet, path, nil, &rows); err != nil {
			return err
		}
		return printJSON(rows)
	},
}

var userSetCmd = &cobra.Command{
	Use:   "user-set <name> <column>=<value> [...]",
	Short: "Edit user columns",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		return newClient().do(http.MethodPost, "/user/"+url.PathEscape(args[0]), fields, nil)
	},
}

func init() {
	flags := userAddCmd.Flags()
	flags.StringVar(&userEmail, "email", "", "email address")
	flags.StringVar(&userPassword, "password", "", "plain-text password, hashed by the daemon")
	flags.Int64Var(&userPermissions, "permissions", 0, "permission mask")
	flags.Int64Var(&userPriority, "priority", 0, "maximum task niceness")
	flags.Int64Var(&userCPUs, "cpus", 0, "CPU core limit (0 = unbounded)")
	flags.Int64Var(&userGPUs, "gpus", 0, "GPU limit (0 = unbounded)")
	flags.StringVar(&userMemory, "memory", "", "memory limit, K/M/G suffixes (0 = unbounded)")
	flags.StringVar(&userGPUMemory, "gpu-memory", "", "GPU memory limit (0 = unbounded)")
	flags.StringVar(&userStorage, "storage", "", "storage limit (0 = unbounded)")
	_ = userAddCmd.MarkFlagRequired("password")

	listFlags := userListCmd.Flags()
	listFlags.StringVar(&userListLogged, "last-logged", "", "only users logged in after this time (ISO-8601)")
	listFlags.StringVar(&userListPermission, "permission", "", "only users holding this permission")
}
