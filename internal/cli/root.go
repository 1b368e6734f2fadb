// Package cli implements the edgepurge command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// version is set at build time with -ldflags "-X .../internal/cli.version=...".
var version = "dev"

var rootCmd = newRootCmd()

// Execute is the entry point called from cmd/edgepurge/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "edgepurge",
		Short:        "edgepurge: queue and dispatch CDN cache purges for content changes",
		SilenceUsage: true,
	}
	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./edgepurge.yaml)")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	cmd.PersistentFlags().String("store", "redis", "queue store: redis | postgres")
	cmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	cmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL DSN, used with --store=postgres")
	cmd.PersistentFlags().String("kafka-brokers", "", "comma-separated Kafka broker addresses")
	bindFlag("log_level", cmd.PersistentFlags(), "log-level")
	bindFlag("store", cmd.PersistentFlags(), "store")
	bindFlag("redis_addr", cmd.PersistentFlags(), "redis-addr")
	bindFlag("postgres_dsn", cmd.PersistentFlags(), "postgres-dsn")
	bindFlag("kafka_brokers", cmd.PersistentFlags(), "kafka-brokers")

	cmd.AddCommand(
		newServeCmd(),
		newRunOnceCmd(),
		newConsumeCmd(),
		newEnqueueCmd(),
		newStatsCmd(),
		newGCCmd(),
		newInitCmd(defaultYAML),
		newVersionCmd(),
	)
	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("edgepurge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(home + "/.edgepurge")
		viper.AddConfigPath("/etc/edgepurge")
	}

	viper.SetEnvPrefix("EDGEPURGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	} else {
		fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	}
}

func loadConfig() (Config, *slog.Logger, error) {
	cfg, err := Load(viper.GetViper())
	if err != nil {
		return Config{}, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, buildLogger(cfg.LogLevel, "edgepurge"), nil
}

func buildLogger(level, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "edgepurge", version)
		},
	}
}
