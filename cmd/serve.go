package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/uniapi/uniapi/pkg/config"
	"github.com/uniapi/uniapi/pkg/logdb"
	"github.com/uniapi/uniapi/pkg/proxy"
)

var (
	serveConfigPath   string
	serveHostOverride string
	servePortOverride int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = serveHostOverride
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = servePortOverride
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var db *logdb.Store
			if cfg.Logs.DBPath != "" {
				db, err = logdb.Open(cfg.Logs.DBPath)
				if err != nil {
					log.Warn("request log archive disabled", "err", err)
					db = nil
				} else {
					defer db.Close()
				}
			}

			store := config.NewStore(serveConfigPath, cfg)
			srv := proxy.NewServer(store, db)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "Gateway config YAML path")
	serveCmd.Flags().StringVar(&serveHostOverride, "host", "", "Override listen host from config")
	serveCmd.Flags().IntVar(&servePortOverride, "port", 0, "Override listen port from config")
	rootCmd.AddCommand(serveCmd)
}
