// Package cmd wires the supervisor's command-line surface.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for agentmc-supervisor. A bare
// invocation runs the supervisor; configuration comes entirely from the
// environment.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "agentmc-supervisor",
		Short: "AgentMC supervisor — bridges a local engine to the AgentMC hub",
		Long: "AgentMC supervisor claims hub sessions for one or more agents, drives the\n" +
			"local engine through them, and reports telemetry back to the hub.",
		Version:       v,
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	return root
}
