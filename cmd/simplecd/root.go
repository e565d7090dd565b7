package main

import (
	"os"
	"time"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	dotenvPath string
)

var rootCmd = &cobra.Command{
	Use:   "simplecd",
	Short: "a self-hosted CI/CD engine",
	Long: `simplecd runs pipelines on a pool of static and ephemeral agents,
issues scoped deployment credentials and gates deployments per environment.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default is ./simplecd.yaml)")
	rootCmd.PersistentFlags().StringVar(&dotenvPath, "dotenv", internal.DotEnvPath, "dotenv file holding the encryption keys")

	rootCmd.AddCommand(serveCmd, migrateCmd, auditCmd, apiKeyCmd)
}

// initConfig reads the settings file and dotenv, then configures logging.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("simplecd")
	}

	if err := settings.ReadDotenv(dotenvPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", dotenvPath).Msg("unable to read dotenv")
	}

	readErr := viper.ReadInConfig()
	settings.Settings = settings.NewSettings(viper.GetViper())
	setupLogging(settings.Settings)

	if readErr == nil {
		log.Info().Str("path", viper.ConfigFileUsed()).Msg("using settings file")
	}
}

func setupLogging(s *settings.AppSettings) {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if s.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
