package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Generate an identity and print its PeerID and fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := crypto.GenerateIdentity(nil)
			if err != nil {
				return err
			}
			defer id.Destroy()
			fmt.Fprintf(cmd.OutOrStdout(), "PeerID:      %s\nFingerprint: %s\n", id.PeerID(), id.Fingerprint())
			return nil
		},
	}
}
