package main

import (
	"github.com/spf13/cobra"

	"github.com/davidahmann/shomer/core/doctor"
)

func (c *cli) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, keys, storage and the custody chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(false)
			if err != nil {
				return err
			}
			result := doctor.Run(cmd.Context(), doctor.Options{Config: cfg, ProducerVersion: version})
			if err := c.writeJSON(struct {
				OK bool `json:"ok"`
				doctor.Result
			}{OK: result.Status != doctor.StatusFail, Result: result}); err != nil {
				return err
			}
			if result.Status == doctor.StatusFail {
				c.exitCode = exitConfiguration
				if result.NonFixable {
					c.exitCode = exitVerifyFailed
				}
			}
			return nil
		},
	}
}
