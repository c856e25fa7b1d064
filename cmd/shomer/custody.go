package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/shomer/core/custody"
)

type custodyEventsOutput struct {
	OK     bool            `json:"ok"`
	CaseID string          `json:"case_id,omitempty"`
	Events []custody.Event `json:"events"`
}

type custodyVerifyOutput struct {
	OK     bool     `json:"ok"`
	Cases  int      `json:"cases"`
	Events int      `json:"events"`
	Errors []string `json:"errors,omitempty"`
}

func (c *cli) custodyCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "custody",
		Short: "Read and check the chain-of-custody log",
	}

	var eventsCase string
	events := &cobra.Command{
		Use:   "events",
		Short: "List custody events, optionally for one case",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			log, err := c.openCustody()
			if err != nil {
				return err
			}
			list, err := log.Events(eventsCase)
			if err != nil {
				return err
			}
			return c.writeJSON(custodyEventsOutput{OK: true, CaseID: eventsCase, Events: list})
		},
	}
	events.Flags().StringVar(&eventsCase, "case", "", "case id")

	var verifyCase string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of every case, or of one case",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			log, err := c.openCustody()
			if err != nil {
				return err
			}
			list, err := log.Events(verifyCase)
			if err != nil {
				return err
			}
			order := make([]string, 0)
			byCase := make(map[string][]custody.Event)
			for _, event := range list {
				if _, seen := byCase[event.CaseID]; !seen {
					order = append(order, event.CaseID)
				}
				byCase[event.CaseID] = append(byCase[event.CaseID], event)
			}
			output := custodyVerifyOutput{OK: true, Cases: len(order), Events: len(list)}
			for _, caseID := range order {
				if err := custody.VerifyChain(byCase[caseID]); err != nil {
					output.OK = false
					output.Errors = append(output.Errors, fmt.Sprintf("%s: %v", caseID, err))
				}
			}
			if err := c.writeJSON(output); err != nil {
				return err
			}
			if !output.OK {
				c.exitCode = exitVerifyFailed
			}
			return nil
		},
	}
	verify.Flags().StringVar(&verifyCase, "case", "", "case id")

	command.AddCommand(events, verify)
	return command
}
