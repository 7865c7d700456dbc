// Command longing is the command-line client for the Longing bracelet:
// sign in, link a partner, connect a bracelet and send touches.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chaz8081/longing-touch/internal/app"
	"github.com/chaz8081/longing-touch/internal/apperr"
	"github.com/chaz8081/longing-touch/internal/config"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "longing",
		Short:         "Send touches to your partner's Longing bracelet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/longing/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(signUpCmd())
	cmd.AddCommand(signInCmd())
	cmd.AddCommand(signOutCmd())
	cmd.AddCommand(whoamiCmd())
	cmd.AddCommand(resetPasswordCmd())
	cmd.AddCommand(updatePasswordCmd())
	cmd.AddCommand(resendConfirmationCmd())
	cmd.AddCommand(partnerCmd())
	cmd.AddCommand(devicesCmd())
	cmd.AddCommand(touchCmd())
	cmd.AddCommand(initCmd())
	return cmd
}

// describe renders err for the terminal: the user-facing message for
// tagged errors plus the cause in verbose mode.
func describe(err error) error {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind == apperr.Internal {
		return err
	}
	if verbose {
		return fmt.Errorf("%s (%v)", apperr.Message(err), err)
	}
	return errors.New(apperr.Message(err))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level := config.ParseLogLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// run loads the config, builds the app, restores the cached session and
// calls fn. The context is cancelled on SIGINT or SIGTERM.
func run(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Warn("[App] close failed", "error", err)
		}
	}()

	if _, err := a.Start(ctx); err != nil {
		// A stale session is reported by the command that needs it.
		slog.Debug("[App] restoring session failed", "error", err)
	}
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
