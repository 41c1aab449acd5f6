// Command postgraph runs the article-to-post engine: the HTTP API server and
// local operator commands over the same checkpoint store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "postgraph",
		Short:         "Turn article URLs into reviewed social posts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("POSTGRAPH_CONFIG"), "path to YAML config")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(flags),
		newCreateCommand(flags),
		newGetCommand(flags),
		newInboxCommand(flags),
		newResumeCommand(flags),
		newSweepCommand(flags),
		newTokenCommand(flags),
	)
	return root
}
