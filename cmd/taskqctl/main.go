package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagSocket string
	flagServer string
	flagToken  string
	flagHeader string
)

var rootCmd = &cobra.Command{
	Use:   "taskqctl",
	Short: "taskqctl - control client for the taskqd job queue daemon",
	Long: `taskqctl talks to a running taskqd daemon, preferring the local
unix domain socket and falling back to TCP when the socket is not
available.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"taskqctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSocket, "socket", "/run/taskqd.sock", "daemon unix socket path")
	flags.StringVar(&flagServer, "server", "localhost:8080", "daemon TCP address, used when the socket is absent")
	flags.StringVar(&flagToken, "token", os.Getenv("TASKQD_TOKEN"), "bearer token (defaults to $TASKQD_TOKEN)")
	flags.StringVar(&flagHeader, "header", "X-Auth-Token", "request header carrying the token")

	rootCmd.AddCommand(
		authCmd,
		optionGetCmd, optionSetCmd,
		permissionAddCmd, permissionRemoveCmd,
		pluginAddCmd, pluginListCmd, pluginOptionsCmd, pluginRemoveCmd, pluginSpecificationCmd,
		reportCmd, statusCmd,
		taskAddCmd, taskGetCmd, taskListCmd, taskSetCmd, taskStartCmd, taskStopCmd,
		userAddCmd, userGetCmd, userListCmd, userSetCmd,
	)
}
