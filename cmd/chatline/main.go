package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatline/internal/config"
)

var (
	version = "dev"
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:           "chatline",
	Short:         "A resilient terminal chat client",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

// setupLogging installs a stderr text logger at log.level. A config that
// fails to load keeps the warn default; the command itself reports the error.
func setupLogging() {
	level := slog.LevelWarn
	if cfg, err := config.Load(); err == nil {
		level = cfg.Log.SlogLevel()
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
