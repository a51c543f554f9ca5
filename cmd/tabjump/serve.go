package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabjump"
	"pkt.systems/tabjump/internal/appconfig"
	"pkt.systems/tabjump/internal/chromehost"
	"pkt.systems/tabjump/internal/wire"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var remoteURL string
	var headless bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tab numbering daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if remoteURL != "" {
				cfg.Browser.RemoteURL = remoteURL
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}

			server, err := tabjump.New(toServerConfig(cfg), tabjump.ServerDeps{}, tabjump.WithBrowser())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&remoteURL, "remote-url", "", "DevTools endpoint of a running browser")
	cmd.Flags().BoolVar(&headless, "headless", false, "run a launched browser headless")
	return cmd
}

func toServerConfig(cfg appconfig.Config) tabjump.ServerConfig {
	return tabjump.ServerConfig{
		Wire: wire.ServerConfig{
			SocketPath:     cfg.SocketPath,
			PidPath:        cfg.PidPath,
			RequestTimeout: cfg.RequestTimeout(),
		},
		Coordinator: cfg.CoordinatorConfig(),
		Browser: chromehost.Config{
			RemoteURL:      cfg.Browser.RemoteURL,
			Headless:       cfg.Browser.Headless,
			ExecPath:       cfg.Browser.ExecPath,
			Timeout:        cfg.BrowserTimeout(),
			SocketPath:     cfg.SocketPath,
			RequestTimeout: cfg.RequestTimeout(),
			Agent:          cfg.AgentConfig(),
		},
	}
}
