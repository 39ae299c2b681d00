// Command mockserver runs a local stand-in for the event platform with a
// generator producing a steady stream of activity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eventdesk/livesync/internal/config"
	"github.com/eventdesk/livesync/internal/logging"
	"github.com/eventdesk/livesync/internal/mockserver"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	port       int
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:          "mockserver",
	Short:        "Serve a simulated event platform for livesync development",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "livesync.yaml", "path to config file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured port")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "serve fixtures only, without generated activity")
}

func run(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.MockServer.Port = port
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	ms := cfg.MockServer
	store := mockserver.NewStore()
	broadcaster := mockserver.NewBroadcaster(ms.BroadcastThrottle, logger)

	gen := mockserver.NewGenerator(store, broadcaster, ms.TickInterval, ms.Seed)
	gen.Seed()
	if !quiet {
		gen.Start(cmd.Context())
		logger.Info().Dur("interval", ms.TickInterval).Int64("seed", ms.Seed).Msg("generator started")
	}

	server := mockserver.NewServer(store, broadcaster, ms.AuthToken, ms.AllowedOrigins, logger)
	return mockserver.ListenAndServe(cmd.Context(), cfg.MockServerAddr(), server.Handler(), logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
