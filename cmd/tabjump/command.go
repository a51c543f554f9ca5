package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/tabjump/internal/appconfig"
	"pkt.systems/tabjump/internal/wire"
	"pkt.systems/tabjump/schema"
)

func newCommandCmd() *cobra.Command {
	var cfgPath string
	var socketPath string
	cmd := &cobra.Command{
		Use:   "command <id|n>",
		Short: "Send a shortcut command to the running daemon",
		Long: "Send a shortcut command such as switch-to-tab-3 to the running daemon. " +
			"A bare number is expanded with the configured command prefix. " +
			"Bind this to a window-manager shortcut.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if socketPath != "" {
				cfg.SocketPath = socketPath
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			return wire.SendCommand(ctx, cfg.SocketPath, commandID(cfg.Shortcut.CommandPrefix, args[0]))
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&socketPath, "socket", "", "daemon socket path (overrides config)")
	return cmd
}

// commandID expands a bare tab number into a full command id.
func commandID(prefix, arg string) string {
	arg = strings.TrimSpace(arg)
	if arg == "" || strings.Trim(arg, "0123456789") != "" {
		return arg
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = schema.DefaultCommandPrefix
	}
	return prefix + arg
}
