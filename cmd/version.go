package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("authkit version %s (%s/%s, %s)\n",
				GetVersion(), runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
