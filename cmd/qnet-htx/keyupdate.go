package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/qnetproto/qnet-htx/internal/identity"
	"github.com/spf13/cobra"
)

func keyupdateCmd() *cobra.Command {
	var (
		cfgPath    string
		peerKeyHex string
	)

	cmd := &cobra.Command{
		Use:   "keyupdate <origin>",
		Short: "Dial an origin and drive its session's key rotation",
		Long: `Keyupdate establishes the same inner session dial would, then triggers
one key_update() immediately and prints the resulting encryption_epoch. It
stays connected and triggers another rotation each time it receives SIGHUP,
until interrupted.`,
		Example: `  qnet-htx keyupdate --peer-key <hex> https://example.com`,
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
			log := newLogger(cfg)

			kp, _, err := identity.LoadOrCreateKeypair(cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("load static keypair: %w", err)
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()

			addr, logLabel, err := resolveDialAddr(origin, cfg)
			if err != nil {
				return err
			}
			templateID, tpl, err := chooseTemplate(dialCtx, origin, cfg)
			if err != nil {
				return fmt.Errorf("choose mirror template: %w", err)
			}
			log.Info("dialing", "target", logLabel)

			c, keys, err := noiseBootstrapInitiator(dialCtx, addr, tpl, templateID, kp.PrivateKey, kp.PublicKey, peerPub)
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			defer c.Close()

			mx := newMux(c, keys, true, log, cfg)
			defer mx.Close()

			rotate := func() error {
				if err := mx.KeyUpdate(); err != nil {
					return err
				}
				fmt.Println(renderField("encryption_epoch", fmt.Sprintf("%d", mx.EncryptionEpoch())))
				return nil
			}

			if err := rotate(); err != nil {
				return fmt.Errorf("key update: %w", err)
			}

			sighup := make(chan os.Signal, 1)
			signal.Notify(sighup, syscall.SIGHUP)
			defer signal.Stop(sighup)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-sighup:
					if err := rotate(); err != nil {
						log.Error("key update failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a qnet-htx config file (defaults to built-in defaults)")
	cmd.Flags().StringVar(&peerKeyHex, "peer-key", "", "Hex-encoded X25519 static public key of the responder (required)")
	return cmd
}
