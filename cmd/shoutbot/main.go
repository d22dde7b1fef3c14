// Command shoutbot runs scheduled shoutbox dispatch plugins against tracker
// sites.
//
// Usage:
//
//	shoutbot serve    --config config.yaml
//	shoutbot run      --config config.yaml <plugin>
//	shoutbot schedule [-n 5] <expr>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shoutbot/internal/plugin"
	"shoutbot/plugins/groupchat"
	"shoutbot/plugins/inbox"
	"shoutbot/plugins/msgnotify"
	"shoutbot/plugins/sitemessenger"
)

// version is set with -ldflags at build time.
var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "shoutbot",
		Short:         "Scheduled shoutbox dispatch for tracker sites",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	cfgFn := func() string { return cfgPath }
	root.AddCommand(
		newServeCmd(cfgFn),
		newRunCmd(cfgFn),
		newScheduleCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// builtins are the plugins compiled into the binary.
func builtins() []plugin.Plugin {
	return []plugin.Plugin{
		groupchat.New(),
		sitemessenger.New(),
		inbox.New(),
		msgnotify.New(),
	}
}
