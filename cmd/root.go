package cmd

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/porthorian/rhombus"
)

var BuildVersion = "dev"

var verbosity int

var rootCmd = &cobra.Command{
	Use:          "rhombus",
	Short:        "Rhombus CLI",
	Long:         "CLI for Rhombus session identity operations.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 0, "Log verbosity; 1 adds backend and cache-miss detail.")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of Rhombus CLI",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})
}

func newLogger() logr.Logger {
	return rhombus.NewStdLogger(os.Stderr, verbosity).WithName("rhombus")
}

func Execute() error {
	return rootCmd.Execute()
}
