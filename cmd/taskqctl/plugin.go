package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var pluginAddCmd = &cobra.Command{
	Use:   "plugin-add <name>",
	Short: "Load a plugin (requires Admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(http.MethodPost, "/plugin/"+args[0], map[string]any{}, nil)
	},
}

var pluginRemoveCmd = &cobra.Command{
	Use:   "plugin-remove <name>",
	Short: "Unload a plugin (requires Admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().do(http.MethodDelete, "/plugin/"+args[0], nil, nil)
	},
}

var pluginListCmd = &cobra.Command{
	Use:   "plugin-list",
	Short: "List loaded plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var names []string
		if err := newClient().do(http.MethodGet, "/plugins", nil, &names); err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var pluginOptionsCmd = &cobra.Command{
	Use:   "plugin-options <name>",
	Short: "Print a plugin's stored settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := pluginOptions(args[0])
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(options) {
			fmt.Printf("%s=%s\n", key, options[key])
		}
		return nil
	},
}

var pluginSpecificationCmd = &cobra.Command{
	Use:   "plugin-specification <name>",
	Short: "Print the option keys a plugin is configured with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		options, err := pluginOptions(args[0])
		if err != nil {
			return err
		}
		prefix := "Plugin." + args[0] + "."
		for _, key := range sortedKeys(options) {
			fmt.Println(strings.TrimPrefix(key, prefix))
		}
		return nil
	},
}

func pluginOptions(name string) (map[string]string, error) {
	var options map[string]string
	if err := newClient().do(http.MethodGet, "/plugin/"+name, nil, &options); err != nil {
		return nil, err
	}
	return options, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
