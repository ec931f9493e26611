package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/condastore/internal/api"
)

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.APIHost = host
			}
			if cmd.Flags().Changed("port") {
				cfg.APIPort = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			code, err := api.Run(cfg, st, log.Logger)
			if err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("server did not shut down cleanly")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides API_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides API_PORT)")
	return cmd
}
