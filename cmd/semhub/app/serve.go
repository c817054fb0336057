package app

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry HTTP server",
		Long: `Start the registry HTTP server. Configuration comes from flags, a config
file (--config), and SEMHUB_* environment variables, in ascending precedence
of flag < file < environment for unset values.`,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "Path to a YAML config file")
	cmd.Flags().String("address", "", "Address to listen on")
	cmd.Flags().String("api-key", "", "API key clients must present in X-API-Key")
	cmd.Flags().String("base-dir", "", "Root directory for file persistence")
	cmd.Flags().String("db-path", "", "SQLite database path")
	cmd.Flags().Bool("require-provenance", false, "Reject publishes without a valid attestation")
	cmd.Flags().Bool("debug", false, "Enable debug logging")

	for flagName, key := range map[string]string{
		"address":            "address",
		"api-key":            "api_key",
		"base-dir":           "base_dir",
		"db-path":            "db_path",
		"require-provenance": "require_provenance",
		"debug":              "debug",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			logger.Errorf("failed to bind %s flag: %v", flagName, err)
		}
	}
	return cmd
}

func loadConfig(configFile string) (server.Config, error) {
	viper.SetEnvPrefix("SEMHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return server.Config{}, err
		}
	}

	cfg := server.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger.Initialize(cfg.Debug)
	defer logger.Sync()

	srv, err := server.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorw("failed to close registry stores", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Serve(ctx)
	})
	return group.Wait()
}
