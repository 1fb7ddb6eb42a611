package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/store"
)

var errNoTrustDB = errors.New("no trust database: pass --trust-db or set Node.TrustDB")

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect the trust database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached peer keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openTrust()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No known peers.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tFIRST SEEN\tFINGERPRINT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Peer, e.FirstSeen.Format("2006-01-02 15:04"), crypto.Fingerprint(e.PublicKey))
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <peer-id>",
		Short: "Drop a peer's cached key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openTrust()
			if err != nil {
				return err
			}
			defer s.Close()

			peer := domain.PeerID(args[0])
			if _, ok, err := s.Lookup(peer); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("peer %s is not in the trust database", peer)
			}
			if err := s.Forget(peer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s.\n", peer)
			return nil
		},
	})
	return cmd
}

func openTrust() (*store.BoltTrustStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Node.TrustDB == "" {
		return nil, errNoTrustDB
	}
	return store.OpenTrustStore(cfg.Node.TrustDB)
}
