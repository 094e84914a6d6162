package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "mailvault",
	Short:         "Synchronized email memory with semantic search",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mailvault version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailvault version %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		startCmd,
		stopCmd,
		statusCmd,
		addCmd,
		listCmd,
		showCmd,
		searchCmd,
		similarCmd,
		updateCmd,
		deleteCmd,
		linkCmd,
		reindexCmd,
		configCmd,
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
