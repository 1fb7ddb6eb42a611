package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"murmur/internal/app"
	"murmur/internal/config"
	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/transport/hybrid"
)

func chatCmd() *cobra.Command {
	var (
		peerID   string
		peerAddr string
		listen   string
		relayURL string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a peer over P2P, falling back to a relay",
		Long: `Chat with a peer over P2P, falling back to a relay.

Lines typed on stdin are sent to the current peer. Commands:
  /connect <peer-id> [host:port]   switch peer and run a handshake
  /peers                           list peers with a secure session
  /quit                            leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Node.ListenAddr = listen
			}
			if relayURL != "" {
				cfg.Relay.URL = relayURL
			}
			if err := cfg.FixupAndValidate(); err != nil {
				return err
			}
			return chat(cmd, cfg, domain.PeerID(peerID), peerAddr)
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "PeerID to talk to")
	cmd.Flags().StringVar(&peerAddr, "peer-addr", "", "host:port of the peer's P2P listener")
	cmd.Flags().StringVar(&listen, "listen", "", "UDP address for inbound P2P (overrides Node.ListenAddr)")
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay URL, ws:// or wss:// (overrides Relay.URL)")
	return cmd
}

// chat runs an interactive session.
//
// Steps:
//  1. Build and start the node, listen if configured, print our PeerID.
//  2. Connect to --peer in the background so prompts stay answerable.
//  3. Send every input line to the current peer until /quit, EOF or signal.
func chat(cmd *cobra.Command, cfg *config.Config, peer domain.PeerID, addr string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	con := newConsole(cmd.OutOrStdout())
	go con.run(cmd.InOrStdin())

	node, err := app.New(cfg, app.Deps{Acceptor: con.accept})
	if err != nil {
		return err
	}
	defer node.Close()
	node.Start(ctx)

	if cfg.Node.ListenAddr != "" {
		bound, err := node.Listen(cfg.Node.ListenAddr)
		if err != nil {
			return err
		}
		con.printf("Listening on %s\n", bound)
	}
	con.printf("You are %s\nFingerprint %s\n", node.Local(), node.Fingerprint())

	go report(ctx, con, node)

	connect := func(peer domain.PeerID, addr string) {
		go func() {
			if addr != "" {
				if err := node.DialPeer(ctx, addr, peer); err != nil {
					con.printf("* %s: %s\n", peer.Short(), domain.Describe(err))
				}
			}
			if err := node.Connect(ctx, peer); err != nil {
				if !errors.Is(err, context.Canceled) {
					con.printf("* %s: %s\n", peer.Short(), domain.Describe(err))
				}
				return
			}
			con.printf("* Secure session with %s\n", peer.Short())
		}()
	}
	if peer != "" {
		connect(peer, addr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-con.Lines():
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/peers":
				for _, p := range node.Sessions() {
					con.printf("  %s\n", p)
				}
			case strings.HasPrefix(line, "/connect"):
				f := strings.Fields(line)
				if len(f) < 2 || len(f) > 3 {
					con.printf("usage: /connect <peer-id> [host:port]\n")
					continue
				}
				peer, addr = domain.PeerID(f[1]), ""
				if len(f) == 3 {
					addr = f[2]
				}
				connect(peer, addr)
			case peer == "":
				con.printf("No peer yet, use /connect <peer-id>\n")
			default:
				b := []byte(line)
				err := node.Send(ctx, peer, b)
				crypto.Wipe(b)
				if err != nil {
					if errors.Is(err, hybrid.ErrQueued) {
						con.printf("* Not delivered yet, will retry\n")
						continue
					}
					con.printf("* %s\n", domain.Describe(err))
				}
			}
		}
	}
}

// report prints inbound messages and status lines until the node stops.
func report(ctx context.Context, con *console, node *app.App) {
	msgs, events := node.Messages(), node.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			con.printf("<%s> %s\n", m.From.Short(), m.Plaintext)
			crypto.Wipe(m.Plaintext)
		case ev := <-events:
			if line := describeEvent(ev); line != "" {
				con.printf("* %s\n", line)
			}
		}
	}
}

func describeEvent(ev domain.Event) string {
	switch e := ev.(type) {
	case domain.StatusEvent:
		switch e.Status {
		case domain.StatusDisconnected:
			return fmt.Sprintf("%s: %s", e.Kind, domain.Describe(domain.Closed("", e.Err)))
		case domain.StatusReconnectFailed:
			return fmt.Sprintf("%s unavailable, still retrying in the background", e.Kind)
		default:
			return e.String()
		}
	case domain.DeliveryEvent:
		// Failed and locally queued sends are reported by the send itself.
		if e.Status == domain.DeliveryQueued && e.Kind == domain.KindRelay {
			return fmt.Sprintf("%s is offline, relay holds %d message(s)", e.Peer.Short(), e.Count)
		}
	case domain.HandshakeEvent:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s", e.Peer.Short(), domain.Describe(e.Err))
		}
	}
	return ""
}
