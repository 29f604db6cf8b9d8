package main

import (
	"fmt"
	"os"

	"github.com/ignatij/taskflow/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Run task workflows over batches of executions and inspect their results",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
