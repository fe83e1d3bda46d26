package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "portal-chat",
	Short: "Chat client that keeps conversation state for a websocket chat server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	SilenceUsage: true,
}

var (
	flagConfig    string
	flagServerURL string
	flagDataPath  string
	flagName      string
	flagLogLevel  string

	cfg *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "portal-chat.yaml", "optional YAML config file")
	flags.StringVar(&flagServerURL, "server-url", "", "chat server websocket URL (default ws://localhost:8080/ws)")
	flags.StringVar(&flagDataPath, "data-path", "", "directory holding the saved identity")
	flags.StringVar(&flagName, "name", "", "nickname to log in with; the saved identity is used when empty")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd, watchCmd, identityCmd, summarizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute portal-chat command")
	}
}

// loadConfig layers defaults, the config file, .env, the environment and
// finally flags that were set explicitly.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Warn().Err(err).Msg("[chat] .env ignored")
	}
	c, err := config.Load(flagConfig, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if _, err := config.ApplyEnv(c); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server-url") {
		c.Server.URL = flagServerURL
	}
	if flags.Changed("data-path") {
		c.Identity.DataPath = flagDataPath
	}
	if flags.Changed("name") {
		c.Identity.Name = flagName
	}
	if flags.Changed("log-level") {
		c.Logging.Level = flagLogLevel
	}
	applyViewFlags(flags, c)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := setupLogging(c.Logging.Level); err != nil {
		return err
	}
	cfg = c
	return nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	return nil
}
