// radionet — control plane for radio network emulation
//
// radionet deploys emulated radio scenarios: container-backed nodes whose
// mobility is bridged to an external radio emulator over its multicast
// event bus, one emulator daemon per radio interface.
//
// Usage:
//
//	radionet run scenario.yaml       # deploy and run until interrupted
//	radionet models                  # list registered radio models
//	radionet version                 # print version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/radionet-labs/radionet/pkg/util"
	"github.com/radionet-labs/radionet/pkg/version"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "radionet",
	Short:             "control plane for radio network emulation",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `radionet deploys emulated radio scenarios from YAML descriptions.

  radionet run scenario.yaml         # deploy and run until interrupted
  radionet models                    # list registered radio models
  radionet version                   # print version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newRunCmd(),
		newModelsCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("radionet %s (%s)\n", version.Version, version.GitCommit)
		},
	}
}
