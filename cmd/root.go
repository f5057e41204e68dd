/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/client"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/logs"
)

var (
	cfgFile    string
	envFile    string
	gatewayURL string

	v = config.NewViper()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Timeout-guarded gateway in front of a single image generation backend",
	Long: `dreamgate serves text-to-image predictions from one backend that can only run
one batch at a time. Every request gets an end-to-end deadline; a call that
misses it has its execution slot replaced so later requests are not stuck
behind it, and the miss is counted against the health endpoint.

Key Features:
  - POST /api/predict with a batch or a single legacy prompt
  - GET /api/health flips to false after too many timeouts
  - Noise, HTTP worker and Modal backends
  - Built-in load generator and request monitor

Use "dreamgate [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway base URL for client commands (default derived from listen_addr)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", config.DefaultLogFormat, "json or console")

	mustBind(rootCmd, config.KeyLogLevel, "log-level")
	mustBind(rootCmd, config.KeyLogFormat, "log-format")
}

// mustBind lets an explicit flag override env and config file values for key
func mustBind(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

// loadLogger builds the logger from flags and environment only, for commands
// that do not need a fully valid server config
func loadLogger() *zap.Logger {
	logger, err := logs.New(v.GetString(config.KeyLogLevel), v.GetString(config.KeyLogFormat))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newClient() *client.Client {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		_ = v.ReadInConfig()
	}
	if gatewayURL != "" {
		return client.New(gatewayURL, nil)
	}
	return client.New(client.BaseURLFromListenAddr(v.GetString(config.KeyListenAddr)), nil)
}
