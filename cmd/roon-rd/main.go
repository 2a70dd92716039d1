package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:          "roon-rd",
		Short:        "Roon Remote Display - query and serve playback state from a Roon core",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newInteractiveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configureLogging silences the log package for one-shot CLI output unless
// --verbose is set. Server mode always logs.
func configureLogging(serverMode bool) {
	if serverMode || verbose {
		return
	}
	log.SetOutput(io.Discard)
}
