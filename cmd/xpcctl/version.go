package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/obinnaokechukwu/xpc"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and host information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}

			native := "available"
			if err := xpc.Init(); err != nil {
				native = err.Error()
			}

			fmt.Printf("  Version:        %s\n", version)
			fmt.Printf("  Commit:         %s\n", commit)
			fmt.Printf("  Go version:     %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("  Host version:   %s\n", xpc.HostVersion())
			fmt.Printf("  Native runtime: %s\n", native)
			fmt.Printf("  Activate:       %t\n", xpc.VersionAtLeast(xpc.Pair{Major: 10, Minor: 12}, xpc.Pair{Major: 10, Minor: 0}))
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
