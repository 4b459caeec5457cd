// trainctl is the operator CLI for the trainer job queue.
package main

import (
	"os"
	"trainer/internal/cli"

	"github.com/spf13/cobra"
)

func main() {
	command := NewTrainCtlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewTrainCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trainctl [command]",
		Short: "trainctl submits and inspects trainer jobs.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(cli.NewCmdEnqueue())
	cmd.AddCommand(cli.NewCmdQueue())

	return cmd
}
