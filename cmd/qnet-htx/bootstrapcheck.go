package main

import (
	"context"
	"fmt"
	"time"

	"github.com/qnetproto/qnet-htx/internal/bootstrap"
	"github.com/spf13/cobra"
)

func bootstrapCheckCmd() *cobra.Command {
	var (
		timeout time.Duration
		cfgPath string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap-check",
		Short: "Resolve a healthy seed from the configured bootstrap catalog",
		Long: `Bootstrap-check reads the signed seed catalog from the environment
(STEALTH_BOOTSTRAP_CATALOG_JSON / STEALTH_BOOTSTRAP_PUBKEY_HEX) and walks it
with weighted selection and exponential backoff until a seed answers healthy
or timeout elapses. Prints the winning seed URL, or reports no route.

Bootstrap seeds stay off unless STEALTH_DISABLE_BOOTSTRAP is explicitly set
to a falsy-disable value ("0", "false", "off"), or bootstrap.disabled is set
to false in the config file.`,
		Example: `  qnet-htx bootstrap-check --timeout 10s`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Bootstrap.Disabled {
				fmt.Println(styleWarn.Render("bootstrap disabled"))
				fmt.Println(renderField("reason", "set STEALTH_DISABLE_BOOTSTRAP=0 or bootstrap.disabled: false to enable"))
				return fmt.Errorf("bootstrap: disabled")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()

			seedURL, err := bootstrap.ConnectSeed(ctx, timeout)
			if err != nil {
				fmt.Println(styleWarn.Render("NoRoute"))
				fmt.Println(renderField("reason", err.Error()))
				return err
			}
			fmt.Println(styleOK.Render("seed reachable"))
			fmt.Println(renderField("seed", seedURL))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to search for a healthy seed before giving up")
	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a qnet-htx config file (defaults to built-in defaults)")
	return cmd
}
