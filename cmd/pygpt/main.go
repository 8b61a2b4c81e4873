// Package main provides the pygpt command line host for the agent runner.
//
// # Basic Usage
//
// Ask an agent:
//
//	pygpt run "summarize the files in this directory"
//
// Serve the streaming display surface over a websocket:
//
//	pygpt serve --config pygpt.yaml
//
// Browse stored conversations:
//
//	pygpt contexts list
//
// # Environment Variables
//
//   - PYGPT_CONFIG: path to the configuration file (default: pygpt.yaml)
//   - OPENAI_API_KEY: OpenAI API key, used when openai.api_key is empty
//   - ANTHROPIC_API_KEY: Anthropic API key, used when anthropic.api_key is empty
//
// Variables may also be set in a .env file next to the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/config"
	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "pygpt.yaml"
	defaultModel      = "gpt-4o"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	envFile    string
	debug      bool
}

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"}))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "pygpt",
		Short: "pygpt - agent runner with streaming output",
		Long: `pygpt runs LLM agents (ReAct, planner, workflows, hosted assistants)
over stored conversations and streams their output to the terminal or to a
websocket display surface.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (or set PYGPT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(
		buildRunCmd(flags),
		buildServeCmd(flags),
		buildContextsCmd(flags),
		buildIndexCmd(flags),
		buildConfigCmd(flags),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PYGPT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig loads the .env file and the configuration. A missing default
// configuration file yields the defaults; a missing explicit one is an
// error. The returned path is empty when no file was read.
func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	if flags.envFile != "" {
		// Existing variables win over the file.
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}

	explicit := strings.TrimSpace(flags.configPath) != "" || strings.TrimSpace(os.Getenv("PYGPT_CONFIG")) != ""
	path := resolveConfigPath(flags.configPath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	logCfg := cfg.Logging.LogConfig()
	if debug {
		logCfg.Level = "debug"
	}
	return observability.NewLogger(logCfg)
}

// setup loads the configuration and wires the application for a command.
func setup(ctx context.Context, flags *globalFlags) (*app, string, error) {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return nil, "", err
	}
	logger := newLogger(cfg, flags.debug)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, "", err
	}
	return a, path, nil
}

// signalContext cancels on SIGINT and SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}
