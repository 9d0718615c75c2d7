package main

import (
	"fmt"

	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagServer   string
	flagToken    string
	flagHandle   string
	flagName     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "meshroom-peer",
	Short: "Join a meshroom room from the command line",
	Long: `meshroom-peer is a headless participant for a meshroom signaling server.
It opens one WebRTC connection to every other participant, sends synthetic
audio and video, and relays chat between the terminal and the room.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "configs/config.yaml", "path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "signaling URL, e.g. ws://localhost:8080/ws")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "identity token issued by the server")
	rootCmd.PersistentFlags().StringVar(&flagHandle, "handle", "", "peer handle (random when empty)")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "", "display name")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(joinCmd)
}

// loadConfig reads the config file (defaults when it does not exist) and
// applies flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagServer != "" {
		cfg.Mesh.ServerURL = flagServer
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if err := validation.ValidateURL(cfg.Mesh.ServerURL); err != nil {
		return nil, fmt.Errorf("signaling server: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.SugaredLogger {
	return logger.New(cfg.Logging.Level).Sugar()
}
