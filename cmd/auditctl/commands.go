package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/app"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/identity"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/auth"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/database"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/telemetry"
)

// exitVerificationFailed is returned when a chain or evidence object fails
// verification, so scripts can tell tampering from operational errors
const exitVerificationFailed = 2

type engine struct {
	*app.App
	tokens *auth.TokenParser
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
}

func withEngine(ctx context.Context, cmd *cli.Command, fn func(e *engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer a.Close()

	e := &engine{App: a}
	if cfg.Security.JWTSecret != "" {
		if e.tokens, err = auth.NewTokenParser(cfg.Security); err != nil {
			return err
		}
	}
	return fn(e)
}

// authorize resolves token and checks action against the access guard. An
// empty token runs the command as the operator.
func (e *engine) authorize(ctx context.Context, token string, action access.Action, resourceType, resourceID string) error {
	if token == "" {
		return nil
	}
	if e.tokens == nil {
		return fmt.Errorf("security.jwt_secret is not configured, cannot verify --token")
	}
	actor, err := e.tokens.ParseActor(token)
	if err != nil {
		return err
	}
	return e.Services.Access.Authorize(ctx, actor, action, resourceType, resourceID)
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, err)
	}
	return id, nil
}

func runVerifyChain(ctx context.Context, e *engine, org string, from, to int64, format string, out io.Writer) error {
	if org == "" {
		report, err := e.Sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			if err := writeJSON(out, report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "organizations: %d\nentries verified: %d\ninvalid chains: %d\n",
				report.Organizations, report.EntriesVerified, len(report.Invalid))
			printEntryTypes(out, report.EntryTypes)
			for _, id := range sortedIDs(report.Invalid) {
				printChainResult(out, report.Invalid[id])
			}
		}
		if len(report.Invalid) > 0 {
			return cli.Exit(fmt.Sprintf("%d chain(s) failed verification", len(report.Invalid)), exitVerificationFailed)
		}
		return nil
	}

	orgID, err := parseID("organization", org)
	if err != nil {
		return err
	}
	result := e.Services.Ledger.VerifyChain(ctx, orgID, from, to)
	if format == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		printChainResult(out, result)
	}
	if !result.IsValid {
		return cli.Exit(result.Err().Error(), exitVerificationFailed)
	}
	return nil
}

func printChainResult(out io.Writer, r *ledger.ChainVerificationResult) {
	status := "VALID"
	if !r.IsValid {
		status = "INVALID"
	}
	fmt.Fprintf(out, "%s %s sequences %d..%d entries %d aggregate %s\n",
		r.OrganizationID, status, r.FromSequence, r.ToSequence, r.EntriesVerified, r.AggregateHash)
	if st := r.Statistics; st != nil && st.TotalEntries > 0 {
		fmt.Fprintf(out, "  entries from %s to %s\n",
			st.StartTime.UTC().Format(time.RFC3339), st.EndTime.UTC().Format(time.RFC3339))
		printEntryTypes(out, st.EntryTypes)
	}
	for _, b := range r.ChainBreaks {
		fmt.Fprintf(out, "  break at %d (%s): %s\n", b.SequenceNum, b.BreakType, b.Description)
	}
	for _, msg := range r.ErrorsEncountered {
		fmt.Fprintf(out, "  error: %s\n", msg)
	}
}

func printEntryTypes(out io.Writer, counts map[ledger.EntryType]int) {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "  %s: %d\n", t, counts[ledger.EntryType(t)])
	}
}

func sortedIDs(m map[uuid.UUID]*ledger.ChainVerificationResult) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func runVerifyEvidence(ctx context.Context, e *engine, org, token, format string, out io.Writer) error {
	orgID, err := parseID("organization", org)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, token, access.ActionVerify, "evidence", org); err != nil {
		return err
	}

	summary, err := e.Services.Evidence.VerifyAll(ctx, orgID)
	if err != nil {
		return err
	}
	if format == "json" {
		if err := writeJSON(out, summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "evidence records: %d\nvalid: %d\ntampered: %d\n",
			summary.Total, summary.Valid, len(summary.Tampered))
		for _, r := range summary.Tampered {
			fmt.Fprintf(out, "  %s expected %s actual %s %s\n", r.EvidenceID, r.ExpectedHash, r.ActualHash, r.Detail)
		}
	}
	if len(summary.Tampered) > 0 {
		return cli.Exit(fmt.Sprintf("%d evidence record(s) failed verification", len(summary.Tampered)), exitVerificationFailed)
	}
	return nil
}

func runExportFindings(ctx context.Context, e *engine, run, token, format, output string, out io.Writer) (err error) {
	runID, err := parseID("audit run", run)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, token, access.ActionExport, "finding", run); err != nil {
		return err
	}

	if output != "" {
		f, ferr := os.Create(output)
		if ferr != nil {
			return fmt.Errorf("failed to create %s: %w", output, ferr)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	switch format {
	case "csv":
		return e.Services.Findings.ExportCSV(ctx, runID, out)
	case "json":
		bundle, berr := e.Services.Findings.BuildReport(ctx, runID)
		if berr != nil {
			return berr
		}
		return bundle.WriteJSON(out)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func runWhoAmI(cfg *config.Config, token string, out io.Writer) error {
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	parser, err := auth.NewTokenParser(cfg.Security)
	if err != nil {
		return err
	}
	actor, err := parser.ParseActor(token)
	if err != nil {
		return err
	}
	return writeJSON(out, struct {
		identity.Actor
		Auditor bool `json:"auditor"`
	}{actor, actor.IsAuditor()})
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Close() error
}

func openMigrator(cfg *config.Config, logger *zap.Logger) (migrator, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required to migrate")
	}
	return database.NewMigrator(cfg.Database.URL, cfg.Database.MigrationsPath, logger)
}

func printVersion(m migrator, out io.Writer) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "version %d", v)
	if dirty {
		fmt.Fprint(out, " (dirty)")
	}
	fmt.Fprintln(out)
	return nil
}

// createMigration writes the next numbered up/down pair into dir
func createMigration(dir, name string, out io.Writer) error {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if name == "" {
		return fmt.Errorf("migration name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create migrations directory: %w", err)
	}

	existing, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return err
	}
	next := 1
	for _, f := range existing {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(f), "%d_", &n); err == nil && n >= next {
			next = n + 1
		}
	}

	header := fmt.Sprintf("-- Migration: %s\n-- Created at: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%06d_%s.%s.sql", next, name, direction))
		if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
			return fmt.Errorf("failed to create migration file: %w", err)
		}
		fmt.Fprintln(out, path)
	}
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
