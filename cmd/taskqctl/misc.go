package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth <user> <password>",
	Short: "Authenticate and print a bearer token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]string
		err := newClient().do(http.MethodPost, "/auth",
			map[string]string{"user": args[0], "password": args[1]}, &data)
		if err != nil {
			return err
		}
		fmt.Println(data["token"])
		return nil
	},
}

var optionGetCmd = &cobra.Command{
	Use:   "option-get <key>",
	Short: "Print one advanced setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]string
		if err := newClient().do(http.MethodGet, "/option/"+args[0], nil, &data); err != nil {
			return err
		}
		fmt.Println(data["value"])
		return nil
	},
}

var optionSetCmd = &cobra.Command{
	Use:   "option-set <key> <value>",
	Short: "Change one advanced setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(http.MethodPost, "/option/"+args[0],
			map[string]string{"value": args[1]}, nil)
	},
}

var permissionAddCmd = &cobra.Command{
	Use:   "permission-add <userId> <permission>",
	Short: "Grant a permission (SuperAdmin, Admin, Job, Reports)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(http.MethodPost, "/permissions/"+args[0],
			map[string]string{"permission": args[1]}, nil)
	},
}

var permissionRemoveCmd = &cobra.Command{
	Use:   "permission-remove <userId> <permission>",
	Short: "Revoke a permission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(http.MethodDelete, "/permissions/"+args[0],
			map[string]string{"permission": args[1]}, nil)
	},
}

var (
	reportFrom string
	reportTo   string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the per-user performance report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rows []map[string]any
		if err := newClient().do(http.MethodGet, "/reports"+window(reportFrom, reportTo, ""), nil, &rows); err != nil {
			return err
		}
		return printJSON(rows)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print daemon build metadata and queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]any
		if err := newClient().do(http.MethodGet, "/status", nil, &status); err != nil {
			return err
		}
		return printJSON(status)
	},
}

// window renders the ?from/?to (and optional user) query string.
func window(from, to, user string) string {
	values := url.Values{}
	for _, pair := range [][2]string{{"from", from}, {"to", to}, {"user", user}} {
		if pair[1] != "" {
			values.Set(pair[0], pair[1])
		}
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func init() {
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "window start (ISO-8601)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "window end (ISO-8601)")
}
