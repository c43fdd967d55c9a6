package commands

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version and build metadata for substrate.`,
	Run:   runVersion,
}

// runVersion prints the version and build information.
func runVersion(cmd *cobra.Command, args []string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("substrate version unknown")
		return
	}

	fmt.Printf("substrate version %s go=%s\n", info.Main.Version, info.GoVersion)
}
