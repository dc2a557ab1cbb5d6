// Command xpcctl sends messages to XPC services and runs a test echo service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obinnaokechukwu/xpc"
	"github.com/obinnaokechukwu/xpc/xpctest"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	config   string
	verbose  bool
	loopback bool
	logFile  string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "xpcctl",
		Short: "Talk to XPC services",
		Long: `xpcctl sends JSON messages to XPC services and can run a simple echo
service for testing.

With --loopback every command uses an in-memory runtime instead of the native
one, so it works on any host. Loopback services only exist inside one xpcctl
process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.config != "" {
				cfg, err := loadConfig(flags.config)
				if err != nil {
					return err
				}
				cfg.apply(cmd, &flags)
			}
			log, err := newLogger(flags.verbose, flags.logFile)
			if err != nil {
				return err
			}
			xpc.SetLogger(log)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Write JSON logs to this file, rotated")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log connection activity")
	rootCmd.PersistentFlags().BoolVar(&flags.loopback, "loopback", false, "Use the in-memory runtime")

	rootCmd.AddCommand(
		sendCmd(&flags),
		serveCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// runtimeOptions selects the runtime for the command. The returned function
// releases it.
func (f *globalFlags) runtimeOptions() ([]xpc.Option, func(), error) {
	if f.loopback {
		rt := xpctest.NewRuntime()
		return []xpc.Option{xpc.WithRuntime(rt)}, rt.Close, nil
	}
	if err := xpc.Init(); err != nil {
		return nil, nil, fmt.Errorf("%w (try --loopback)", err)
	}
	return nil, func() {}, nil
}
