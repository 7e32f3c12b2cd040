package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate cookie and data encryption keys (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"COOKIE_HASH_KEY", "COOKIE_BLOCK_KEY", "DATA_KEY"} {
				key := securecookie.GenerateRandomKey(32)
				if key == nil {
					return fmt.Errorf("generate %s: no randomness available", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "export APPTSCHED_%s=%s\n", name, base64.StdEncoding.EncodeToString(key))
			}
			return nil
		},
	}
}
