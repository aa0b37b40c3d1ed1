package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	manifestCmd "github.com/thinkparq/fshost/internal/cmd/manifest"
	probeCmd "github.com/thinkparq/fshost/internal/cmd/probe"
	"github.com/thinkparq/fshost/pkg/block"
	"github.com/thinkparq/fshost/pkg/block/probe"
	"github.com/thinkparq/fshost/pkg/block/sysfs"
)

// Set by the build process using ldflags.
var (
	binaryName = "fshostctl"
	version    = "unknown"
	commit     = "unknown"
	buildTime  = "unknown"
)

func main() {
	osFS := afero.NewOsFs()
	rootCmd := &cobra.Command{
		Use:           binaryName,
		Short:         "Inspect the inputs fshost uses to classify and mount block devices",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		manifestCmd.NewCmd(osFS),
		probeCmd.NewCmd(func(devDir string) block.Opener { return sysfs.NewOpener(devDir, osFS) }, probe.Sniffer{}),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
