// Command auditctl is the operator CLI: it verifies ledger chains and
// evidence, exports finding reports and manages the schema.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Exit codes carried by cli.Exit are handled inside Run
	if err := newCommand(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Sources: cli.EnvVars("PROAUDIT_CONFIG"),
	}
	formatFlag := &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   "text",
		Usage:   "Output format: 'text' or 'json'",
	}
	tokenFlag := &cli.StringFlag{
		Name:    "token",
		Usage:   "Bearer token of the acting user; auditor tokens are checked against their session",
		Sources: cli.EnvVars("PROAUDIT_TOKEN"),
	}

	return &cli.Command{
		Name:      "auditctl",
		Usage:     "Operate the audit and forensic compliance engine",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags:     []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "verify-chain",
				Usage: "Recompute ledger hashes for one organization or all of them",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Usage: "Organization ID; omit to sweep every chain"},
					&cli.IntFlag{Name: "from", Value: 1, Usage: "First sequence number"},
					&cli.IntFlag{Name: "to", Value: 0, Usage: "Last sequence number (0 = head)"},
					formatFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine) error {
						return runVerifyChain(ctx, e, cmd.String("org"), cmd.Int("from"), cmd.Int("to"), cmd.String("format"), out)
					})
				},
			},
			{
				Name:  "verify-evidence",
				Usage: "Re-hash every stored evidence object of an organization",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Required: true, Usage: "Organization ID"},
					tokenFlag,
					formatFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine) error {
						return runVerifyEvidence(ctx, e, cmd.String("org"), cmd.String("token"), cmd.String("format"), out)
					})
				},
			},
			{
				Name:  "export-findings",
				Usage: "Export the findings of an audit run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Required: true, Usage: "Audit run ID"},
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "json", Usage: "Output format: 'json' or 'csv'"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write to file instead of stdout"},
					tokenFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine) error {
						return runExportFindings(ctx, e, cmd.String("run"), cmd.String("token"), cmd.String("format"), cmd.String("output"), out)
					})
				},
			},
			{
				Name:  "whoami",
				Usage: "Show the actor a bearer token resolves to",
				Flags: []cli.Flag{tokenFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return runWhoAmI(cfg, cmd.String("token"), out)
				},
			},
			migrateCommand(out),
		},
	}
}

func migrateCommand(out io.Writer) *cli.Command {
	withMigrator := func(ctx context.Context, cmd *cli.Command, fn func(m migrator) error) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		m, err := openMigrator(cfg, logger)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m)
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(m migrator) error { return m.Up() })
				},
			},
			{
				Name:  "down",
				Usage: "Roll back every migration",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(m migrator) error { return m.Down() })
				},
			},
			{
				Name:  "steps",
				Usage: "Apply (n > 0) or roll back (n < 0) n migrations",
				Flags: []cli.Flag{&cli.IntFlag{Name: "n", Required: true}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(m migrator) error { return m.Steps(int(cmd.Int("n"))) })
				},
			},
			{
				Name:  "version",
				Usage: "Print the applied schema version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(m migrator) error { return printVersion(m, out) })
				},
			},
			{
				Name:  "create",
				Usage: "Create an empty up/down migration pair",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "dir", Value: "internal/infrastructure/database/migrations"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return createMigration(cmd.String("dir"), cmd.String("name"), out)
				},
			},
		},
	}
}
