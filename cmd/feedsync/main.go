package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cpunion/feedsync/pkg/config"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	var (
		configPath string
		debug      bool
	)
	rootCmd := &cobra.Command{
		Use:           "feedsync",
		Short:         "Keep generated feed documents in sync with a chat transcript",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "feedsync.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Development logging at debug level")

	load := func() (config.Config, *zap.Logger, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return cfg, nil, err
		}
		if debug {
			cfg.Log.Level, cfg.Log.Development = "debug", true
		}
		logger, err := newLogger(cfg.Log)
		return cfg, logger, err
	}

	rootCmd.AddCommand(initCmd(&configPath))
	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(generateCmd(load))
	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(mergeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (config.Config, *zap.Logger, error)

// loadConfig reads path, falling back to defaults when the file does not exist.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.ResolveEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func initCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *configPath)
			}
			if err := config.Save(*configPath, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}
