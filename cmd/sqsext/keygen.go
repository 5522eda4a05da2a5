package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	cryptostore "pkt.systems/sqsext/internal/storage/crypto"
)

const defaultKeyFileName = "payload-key.pem"

func newKeygenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	cmd := &cobra.Command{
		Use:          "keygen",
		Short:        "Generate a key bundle for encrypting stored payloads (--encryption-key)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			bundle, err := cryptostore.GenerateKeyBundle()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(bundle)
				return err
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultKeyFileName)
			}
			expanded, err := expandPath(outPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(expanded); err == nil {
					return fmt.Errorf("key file %s already exists (use --force to overwrite)", expanded)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat key file: %w", err)
				}
			}
			if err := os.WriteFile(expanded, bundle, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key bundle to %s\n", expanded)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output path (defaults to $HOME/"+defaultConfigDirName+"/"+defaultKeyFileName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the key bundle to stdout instead of writing a file")
	return cmd
}
