package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents",
}

var agentsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the agents declared in the agents file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, err := loadAgentsFile()
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		_, err = syncAgents(ctx, st, file)
		return err
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print all agents as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		agents, err := st.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	},
}

func init() {
	agentsCmd.AddCommand(agentsSyncCmd, agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}
