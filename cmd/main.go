package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "adcstream",
		Short:         "Stream, display and record AD7124 samples",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newBin2CSVCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "adcstream:", err)
		os.Exit(1)
	}
}
