package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treasuryops/guard/internal/keys"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect encryption key handling",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "classify FIELD...",
		Short: "Show the classification and algorithm chosen for field names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				class := keys.ClassifyField(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", name, class, keys.AlgorithmFor(class))
			}
			return nil
		},
	})
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key with the configured rotation policy and print its metadata",
		Long:  "Generate a key and print its metadata as JSON. RSA keys also print the public half as PEM. Key material never leaves the process otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			alg, err := keys.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			m, err := keys.NewManager(
				keys.WithRotation(cfg.Keys.RotationInterval, cfg.Keys.RotationLead),
				keys.WithRSABits(cfg.Keys.RSABits),
				keys.WithLogger(newLogger(cfg)),
			)
			if err != nil {
				return err
			}
			info, err := m.Generate(alg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(info); err != nil {
				return err
			}
			if info.Type == keys.TypePublic {
				pemData, err := m.PublicKeyPEM(info.ID)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(pemData)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", string(keys.AlgAESGCM), "AES-256-GCM, XSALSA20-POLY1305 or RSA-OAEP-SHA256 (aliases: aes, secretbox, rsa)")
	return cmd
}
