package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/pack"
	"github.com/davidahmann/shomer/core/sign"
)

type verifyOutput struct {
	OK   bool   `json:"ok"`
	Path string `json:"path"`
	pack.VerifyResult
}

func (c *cli) verifyCommand() *cobra.Command {
	var publicKeyPath string
	command := &cobra.Command{
		Use:   "verify <pack.zip>",
		Short: "Verify a pack's artifact digests, signature and custody chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, arguments []string) error {
			var options pack.VerifyOptions
			if strings.TrimSpace(publicKeyPath) != "" {
				publicKey, err := readPublicKey(publicKeyPath)
				if err != nil {
					return err
				}
				options.PublicKey = publicKey
			}
			result, err := pack.Verify(arguments[0], options)
			if err != nil {
				return err
			}
			if err := c.writeJSON(verifyOutput{OK: result.OK(), Path: arguments[0], VerifyResult: result}); err != nil {
				return err
			}
			if !result.OK() {
				c.exitCode = exitVerifyFailed
			}
			return nil
		},
	}
	command.Flags().StringVar(&publicKeyPath, "public-key", "", "PEM public key the pack must be signed by (default: the key embedded in the pack)")
	return command
}

func (c *cli) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pack.zip>",
		Short: "Print a pack's manifest, signature and custody events without verifying them",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, arguments []string) error {
			result, err := pack.Inspect(arguments[0])
			if err != nil {
				return err
			}
			return c.writeJSON(struct {
				OK bool `json:"ok"`
				pack.InspectResult
			}{OK: true, InspectResult: result})
		},
	}
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- operator-supplied key path.
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("read public key: %w", err), coreerrors.CategoryInvalidInput, "public_key_unreadable", "", false)
	}
	return sign.ParsePublicKeyPEM(encoded)
}
