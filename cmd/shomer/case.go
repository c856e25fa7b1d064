package main

import (
	"github.com/spf13/cobra"

	"github.com/davidahmann/shomer/core/caseindex"
)

type caseShowOutput struct {
	OK        bool                 `json:"ok"`
	Case      caseindex.Case       `json:"case"`
	Artifacts []caseindex.Artifact `json:"artifacts"`
}

func (c *cli) caseCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "case",
		Short: "Query the case index",
	}
	command.AddCommand(&cobra.Command{
		Use:   "show <case-id>",
		Short: "Print a case and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, arguments []string) error {
			store, err := c.openCaseIndex(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()
			record, err := store.GetCase(cmd.Context(), arguments[0])
			if err != nil {
				return err
			}
			artifacts, err := store.GetArtifacts(cmd.Context(), arguments[0])
			if err != nil {
				return err
			}
			return c.writeJSON(caseShowOutput{OK: true, Case: record, Artifacts: artifacts})
		},
	})
	return command
}
