// Copyright 2015 Matthew Holt and The RPCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate"
)

// shutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rpcgate",
		Short:         "TLS-terminating JSON-RPC reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), versionCmd())
	return root
}

func runCmd() *cobra.Command {
	var configFile, listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, listen)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (JSON or YAML)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listener address (overrides config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(rpcgate.Version)
		},
	}
}

func run(configFile, listen string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := rpcgate.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	var db *sqlx.DB
	if cfg.DatabaseURL != "" {
		db, err = sqlx.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			// the proxy can start without the database; accounting
			// components retry on their own cadence
			logger.Warn("database unreachable at startup", zap.Error(err))
		}
	} else {
		logger.Warn("no database configured; accounting and rate limiting disabled")
	}

	app := rpcgate.NewApp(cfg, db, logger)
	if err := app.Provision(); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.Stop(ctx)
	}
}
