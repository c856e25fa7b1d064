package main

import (
	"fmt"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/fsx"
	"github.com/davidahmann/shomer/core/vault"
)

type vaultGetOutput struct {
	OK    bool   `json:"ok"`
	Ref   string `json:"ref"`
	Bytes int    `json:"bytes"`
	Out   string `json:"out"`
}

type vaultMetaOutput struct {
	OK       bool            `json:"ok"`
	Ref      string          `json:"ref"`
	Metadata *vault.Metadata `json:"metadata"`
}

func (c *cli) vaultCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "vault",
		Short: "Read quarantined originals",
	}

	var out string
	get := &cobra.Command{
		Use:   "get <ref>",
		Short: "Decrypt a vaulted payload; raw bytes go to stdout unless --out is set",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, arguments []string) error {
			store, err := c.openVault()
			if err != nil {
				return err
			}
			data, err := store.Retrieve(arguments[0])
			if err != nil {
				return err
			}
			if out == "" {
				_, err := c.stdout.Write(data)
				return err
			}
			if err := fsx.WriteFileAtomic(out, data, 0o600); err != nil {
				return coreerrors.Wrap(fmt.Errorf("write vault payload: %w", err), coreerrors.CategoryIOFailure, "vault_export_failed", "", false)
			}
			return c.writeJSON(vaultGetOutput{OK: true, Ref: arguments[0], Bytes: len(data), Out: out})
		},
	}
	get.Flags().StringVar(&out, "out", "", "write the payload to this file (mode 0600)")

	meta := &cobra.Command{
		Use:   "meta <ref>",
		Short: "Print the metadata stored next to a vaulted payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, arguments []string) error {
			store, err := c.openVault()
			if err != nil {
				return err
			}
			metadata, ok, err := store.Metadata(arguments[0])
			if err != nil {
				return err
			}
			if !ok {
				return coreerrors.New(coreerrors.CategoryNotFound, "vault_meta_not_found", "no metadata for vault ref "+arguments[0])
			}
			return c.writeJSON(vaultMetaOutput{OK: true, Ref: arguments[0], Metadata: metadata})
		},
	}

	command.AddCommand(get, meta)
	return command
}
