package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"lds.li/authserver/internal/keys"
)

func newKeygenCmd() *cobra.Command {
	var (
		alg   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a signing keyset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s exists, use --force to replace it", path)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			h, err := keys.Generate(alg)
			if err != nil {
				return err
			}
			if err := keys.Save(h, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s keyset %d to %s\n", alg, h.KeysetInfo().GetPrimaryKeyId(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", "RS256", "Signing algorithm, RS256 or ES256")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing keyset")
	return cmd
}
