// Package main is the CLI entry point for the compliance-checker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
	"github.com/compliance-checker/compliance-checker/internal/app"
	"github.com/compliance-checker/compliance-checker/internal/checker"
	"github.com/compliance-checker/compliance-checker/internal/config"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cli.Command{
		Name:    "compliance-checker",
		Usage:   "Cross-reference client accounts against the restriction tracker",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			checkCommand(),
			versionCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command that builds the application.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to YAML configuration file",
			Value:   "",
			Sources: cli.EnvVars("ACC_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error, fatal, panic)",
			Value:   "",
			Sources: cli.EnvVars("ACC_LOG_LEVEL"),
		},
	}
}

// setup configures logging and loads the configuration for a command.
func setup(cmd *cli.Command) (*config.Config, *logrus.Entry, error) {
	var cfg *config.Config
	var err error

	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}

	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return cfg, logger.WithField("app", "compliance-checker"), nil
}

func serveCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:    "listen-address",
			Usage:   "HTTP listen address (e.g. :8080)",
			Sources: cli.EnvVars("ACC_LISTEN_ADDRESS"),
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the dashboard and API server",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("listen-address"); v != "" {
				cfg.Server.ListenAddress = v
			}

			log.WithFields(logrus.Fields{
				"version": version,
				"commit":  commit,
			}).Info("starting compliance-checker")

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}
}

func fetchCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:  "as-of",
			Usage: "As-of date for the export (YYYY-MM-DD, default today)",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Path to write the client list CSV to",
			Value:   addepar.DefaultCSVPath,
		},
	)

	return &cli.Command{
		Name:  "fetch",
		Usage: "Retrieve the client list and write it to a CSV file",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := cmd.String("output")
			table, err := a.Client().RetrieveToFile(ctx, cmd.String("as-of"), path)
			if err != nil {
				return fmt.Errorf("retrieving client list: %w", err)
			}

			log.WithFields(logrus.Fields{
				"rows": table.Len(),
				"path": path,
			}).Info("client list written")
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "CSV file of accounts to check (account column auto-detected)",
		},
	)

	return &cli.Command{
		Name:      "check",
		Usage:     "Check account numbers from the command line or a CSV file",
		ArgsUsage: "[ACCOUNT...]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}

			accounts := cmd.Args().Slice()
			if path := cmd.String("file"); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				table, err := addepar.ParseCSV(data)
				if err != nil {
					return fmt.Errorf("parsing %s: %w", path, err)
				}
				col := checker.ResolveAccountColumn(table.Columns, cfg.Checker.AccountColumns)
				fromFile, _ := table.Column(col)
				accounts = append(accounts, fromFile...)
			}
			if len(accounts) == 0 {
				return fmt.Errorf("at least one account number or --file is required")
			}

			a, err := app.New(cfg, log)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Bootstrap(ctx); err != nil {
				return err
			}

			results, summary := a.Checker().CheckAll(accounts)
			out := struct {
				Summary any `json:"summary"`
				Results any `json:"results"`
			}{summary, results}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("compliance-checker %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
