// Package main provides the qnet-htx CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "qnet-htx",
		Short: "qnet-htx - covert TLS-mirrored transport diagnostic tool",
		Long: `qnet-htx dials or listens for a single covert session: an outer carrier
shaped to mirror ordinary TLS traffic, a Noise-XK inner handshake bound to
the mirrored template, and one encrypted diagnostic stream. It is a thin
client for the qnet-htx session stack, not a SOCKS proxy or file-transfer
tool.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "session", Title: "Session:"})
	rootCmd.AddGroup(&cobra.Group{ID: "diagnostics", Title: "Diagnostics:"})

	dial := dialCmd()
	dial.GroupID = "session"
	rootCmd.AddCommand(dial)

	listen := listenCmd()
	listen.GroupID = "session"
	rootCmd.AddCommand(listen)

	keyupdate := keyupdateCmd()
	keyupdate.GroupID = "session"
	rootCmd.AddCommand(keyupdate)

	calibrate := calibrateCmd()
	calibrate.GroupID = "diagnostics"
	rootCmd.AddCommand(calibrate)

	bootstrapCheck := bootstrapCheckCmd()
	bootstrapCheck.GroupID = "diagnostics"
	rootCmd.AddCommand(bootstrapCheck)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleFail.Render(err.Error()))
		os.Exit(1)
	}
}
