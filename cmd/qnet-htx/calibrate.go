package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/qnetproto/qnet-htx/internal/mirror"
	"github.com/spf13/cobra"
)

func calibrateCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "calibrate <origin>",
		Short: "Resolve the TLS-mirror template qnet-htx would use for an origin",
		Long: `Calibrate runs the same allow-list/cache/probe selection dial would use
and prints the resulting template id and a JA3-style fingerprint string,
without opening an inner session.`,
		Example: `  qnet-htx calibrate https://example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := args[0]
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
			defer cancel()

			templateID, tpl, err := chooseTemplate(ctx, origin, cfg)
			if err != nil {
				fmt.Println(styleFail.Render("calibration failed: " + err.Error()))
				return err
			}

			fmt.Println(styleOK.Render("calibration complete"))
			fmt.Println(renderField("template_id", hex.EncodeToString(templateID[:])))
			fmt.Println(renderField("ja3", mirror.ComputeJA3(tpl)))
			fmt.Println(renderField("alpn", fmt.Sprintf("%v", tpl.ALPN)))
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a qnet-htx config file (defaults to built-in defaults)")
	return cmd
}
