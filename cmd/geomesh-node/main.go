// Command geomesh-node runs a topology-aware gossip sync node, or a
// simulated mesh of them in one process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/geomesh/kernel/utils"
)

type rootFlags struct {
	configPath  string
	logLevel    string
	logEncoding string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "geomesh-node",
		Short:         "Topology-aware gossip sync for on-device model training",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "load configuration from a YAML, JSON or TOML file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&flags.logEncoding, "log-encoding", "console", "console or json")

	root.AddCommand(newRunCommand(flags), newSimulateCommand(flags))
	return root
}

func (f *rootFlags) logger(component string) (*zap.Logger, error) {
	cfg := utils.DefaultLoggerConfig(component)
	cfg.Level = f.logLevel
	cfg.Encoding = f.logEncoding
	return utils.NewLogger(cfg)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
