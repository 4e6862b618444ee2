package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hqsync/hqsync/internal/client"
	"github.com/hqsync/hqsync/internal/utils"
	"github.com/hqsync/hqsync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, "HQ")
	defaultLogFile = filepath.Join(home, ".hqsync", "logs", "hqsync.log")
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "hqsync",
	Short:   "Bidirectional sync between an HQ directory and object storage",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg client.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("config parse: %w", err)
		}
		cfg.Path = viper.ConfigFileUsed()
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true

		c, err := client.New(&cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return c.Start(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("hqsync", version.Detailed())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("owner", "o", "", "owner id for the HQ root")
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "HQ data directory")
	rootCmd.Flags().StringP("bucket", "b", "", "storage bucket name")
	rootCmd.Flags().String("prefix", "", "remote key prefix (defaults to owner)")
	rootCmd.Flags().String("addr", client.DefaultClientAddr, "control plane listen address")
	rootCmd.PersistentFlags().StringP("config", "c", client.DefaultConfigPath, "hqsync config file")
}

func main() {
	if err := utils.EnsureParent(defaultLogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(defaultLogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".hqsync"))
		viper.AddConfigPath(filepath.Join(home, ".config/hqsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("owner", cmd.Flags().Lookup("owner"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("blob.bucket_name", cmd.Flags().Lookup("bucket"))
	viper.BindPFlag("remote_prefix", cmd.Flags().Lookup("prefix"))
	viper.BindPFlag("control_plane.addr", cmd.Flags().Lookup("addr"))

	viper.SetEnvPrefix("HQSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("sync.use_lock", true)
	viper.SetDefault("sync.preserve_timestamps", true)
	viper.SetDefault("control_plane.enabled", true)

	return nil
}
