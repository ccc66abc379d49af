package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "task-runner",
		Short:        "task-runner runs one-shot containerized workloads on Kubernetes on behalf of API clients",
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
