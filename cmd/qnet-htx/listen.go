package main

import (
	"context"
	"fmt"
	"net"

	"github.com/qnetproto/qnet-htx/internal/identity"
	"github.com/spf13/cobra"
)

func listenCmd() *cobra.Command {
	var (
		cfgPath       string
		controlSocket string
	)

	cmd := &cobra.Command{
		Use:   "listen <addr>",
		Short: "Accept one inbound session on addr and mirror dial's diagnostic stream",
		Long: `Listen binds addr, accepts a single connection, runs the responder side
of the Noise-XK inner handshake, and pipes stdin/stdout through the first
stream the peer opens, until EOF, a stream error, or SIGINT/SIGTERM.`,
		Example: `  qnet-htx listen 0.0.0.0:8443`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
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

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			defer ln.Close()
			fmt.Println(renderField("listening", addr))

			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			fmt.Println(renderField("accepted", conn.RemoteAddr().String()))

			host, _, err := net.SplitHostPort(addr)
			if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
				host = "localhost"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			templateID, _, err := chooseTemplate(ctx, "https://"+host, cfg)
			cancel()
			if err != nil {
				conn.Close()
				return fmt.Errorf("choose mirror template: %w", err)
			}

			c, keys, err := noiseBootstrapResponder(conn, templateID, kp.PrivateKey, kp.PublicKey)
			if err != nil {
				fmt.Println(styleFail.Render("handshake failed: " + err.Error()))
				return err
			}
			defer c.Close()
			fmt.Println(styleOK.Render("handshake complete"))

			mx := newMux(c, keys, false, log, cfg)
			defer mx.Close()

			stopControl, err := maybeStartControl(cfg, newSessionAgent(id, mx), log)
			if err != nil {
				return err
			}
			defer stopControl()

			st := mx.AcceptStream(dialTimeout)
			if st == nil {
				return fmt.Errorf("no diagnostic stream opened within %s", dialTimeout)
			}

			return echoAcceptedStream(cmd.Context(), mx, st)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a qnet-htx config file (defaults to built-in defaults)")
	cmd.Flags().StringVar(&controlSocket, "control-socket", "", "Unix socket path for a local status endpoint (disabled if unset)")
	return cmd
}
