package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/qnetproto/qnet-htx/internal/identity"
	"github.com/spf13/cobra"
)

func dialCmd() *cobra.Command {
	var (
		cfgPath       string
		peerKeyHex    string
		controlSocket string
	)

	cmd := &cobra.Command{
		Use:   "dial <origin>",
		Short: "Dial an origin over a TLS-mirrored carrier and open a diagnostic stream",
		Long: `Dial resolves a decoy destination and mirror template for origin, dials
the outer TLS-mirrored carrier, runs a Noise-XK inner handshake against the
responder's known static key, and opens one diagnostic stream whose traffic
is simply stdin/stdout echoed over the encrypted session.`,
		Example: `  qnet-htx dial --peer-key <hex> https://example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := args[0]
			if peerKeyHex == "" {
				return fmt.Errorf("--peer-key is required")
			}
			peerPub, err := identity.ParseKey(peerKeyHex)
			if err != nil {
				return fmt.Errorf("invalid --peer-key: %w", err)
			}

			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if controlSocket != "" {
				cfg.Control.SocketPath = controlSocket
			}
			log := newLogger(cfg)

			kp, _, err := identity.LoadOrCreateKeypair(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("load static keypair: %w", err)
			}
			id, err := agentID(cfg)
			if err != nil {
				return fmt.Errorf("resolve agent id: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()

			addr, logLabel, err := resolveDialAddr(origin, cfg)
			if err != nil {
				return err
			}
			templateID, tpl, err := chooseTemplate(ctx, origin, cfg)
			if err != nil {
				return fmt.Errorf("choose mirror template: %w", err)
			}
			log.Info("dialing", "target", logLabel)
			fmt.Println(renderField("dialing", addr))
			fmt.Println(renderField("template", hex.EncodeToString(templateID[:])))

			c, keys, err := noiseBootstrapInitiator(ctx, addr, tpl, templateID, kp.PrivateKey, kp.PublicKey, peerPub)
			if err != nil {
				fmt.Println(styleFail.Render("handshake failed: " + err.Error()))
				return err
			}
			defer c.Close()
			fmt.Println(styleOK.Render("handshake complete"))

			mx := newMux(c, keys, true, log, cfg)
			defer mx.Close()

			stopControl, err := maybeStartControl(cfg, newSessionAgent(id, mx), log)
			if err != nil {
				return err
			}
			defer stopControl()

			return echoStdio(cmd.Context(), mx)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a qnet-htx config file (defaults to built-in defaults)")
	cmd.Flags().StringVar(&peerKeyHex, "peer-key", "", "Hex-encoded X25519 static public key of the responder (required)")
	cmd.Flags().StringVar(&controlSocket, "control-socket", "", "Unix socket path for a local status endpoint (disabled if unset)")
	return cmd
}
