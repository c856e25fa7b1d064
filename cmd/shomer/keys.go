package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/davidahmann/shomer/core/sign"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	KeyID          string `json:"key_id"`
	Created        bool   `json:"created"`
	PublicKeyPath  string `json:"public_key_path"`
	PrivateKeyPath string `json:"private_key_path"`
}

func (c *cli) keysCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ed25519 signing key pair",
	}
	command.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the configured signing key pair if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := c.loadConfig(false)
			if err != nil {
				return err
			}
			created := false
			keys, err := sign.LoadKeyPair(cfg.Crypto.KeyPath, cfg.Crypto.KeyName)
			if errors.Is(err, sign.ErrKeypairNotFound) {
				created = true
				keys, err = sign.GetOrCreateKeyPair(cfg.Crypto.KeyPath, cfg.Crypto.KeyName)
			}
			if err != nil {
				return err
			}
			privatePath, publicPath := sign.KeyPaths(cfg.Crypto.KeyPath, cfg.Crypto.KeyName)
			return c.writeJSON(keysInitOutput{
				OK:             true,
				KeyID:          sign.KeyID(keys.Public),
				Created:        created,
				PublicKeyPath:  publicPath,
				PrivateKeyPath: privatePath,
			})
		},
	})
	return command
}
