package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/flightdeck-labs/iapflow/internal/app"
	"github.com/flightdeck-labs/iapflow/internal/auth"
	"github.com/flightdeck-labs/iapflow/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "iapflow",
		Usage: "Airflow gateway through Google IAP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "auth--audience",
				Usage: "OAuth client ID of the IAP resource",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			logoutCommand(),
			tokenCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the local gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "airflow--base-url",
				Usage: "Airflow base URL behind IAP",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "discard the cached credential and run the consent flow",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			store, err := cfg.Auth.NewCredentialStore()
			if err != nil {
				return fmt.Errorf("failed to create credential store: %w", err)
			}
			if err := store.Delete(ctx); err != nil {
				return fmt.Errorf("failed to discard cached credential: %w", err)
			}

			// Construction runs the consent flow on an empty cache.
			provider, err := app.NewProvider(ctx, cfg, auth.WithoutBackgroundRenewal())
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			provider.Stop()

			fmt.Println("login successful")
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "discard the cached credential",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			store, err := cfg.Auth.NewCredentialStore()
			if err != nil {
				return fmt.Errorf("failed to create credential store: %w", err)
			}
			if err := store.Delete(ctx); err != nil {
				return fmt.Errorf("failed to discard cached credential: %w", err)
			}

			fmt.Println("logged out")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print a single identity token for the configured audience",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			provider, err := app.NewProvider(ctx, cfg, auth.WithoutBackgroundRenewal())
			if err != nil {
				return fmt.Errorf("failed to create token provider: %w", err)
			}
			defer provider.Stop()

			token, err := provider.IdentityToken(ctx, cfg.Auth.Audience)
			if err != nil {
				return fmt.Errorf("failed to obtain identity token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}
}

// setup loads configuration and installs the logging pipeline.
func setup(cmd *cli.Command) (*app.Config, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat)); err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, nil
}
