package service

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/access"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/auditrun"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/compliance"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/financial"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/database"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/metrics"
	accesssvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/access"
	auditrunsvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/auditrun"
	compliancesvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/compliance"
	evidencesvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/findings"
	ledgersvc "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/service/ledger"
)

// Stores holds the persistence ports the services are built on
type Stores struct {
	Ledger      ledger.Store
	Anchors     ledger.AnchorStore
	Evidence    evidence.Repository
	Blobs       evidence.BlobStore
	Runs        auditrun.RunRepository
	Findings    auditrun.FindingRepository
	Locks       compliance.LockRepository
	CreditNotes compliance.CreditNoteRepository
	Sessions    access.SessionRepository
	ActionLog   access.ActionLogRepository
	Records     financial.Source
}

// MemoryStores returns in-process stores. Records is a memory.RecordSource
// that callers load.
func MemoryStores() *Stores {
	return &Stores{
		Ledger:      memory.NewLedgerStore(),
		Anchors:     memory.NewAnchorStore(),
		Evidence:    memory.NewEvidenceRepository(),
		Blobs:       memory.NewBlobStore(),
		Runs:        memory.NewRunRepository(),
		Findings:    memory.NewFindingRepository(),
		Locks:       memory.NewLockRepository(),
		CreditNotes: memory.NewCreditNoteRepository(),
		Sessions:    memory.NewSessionRepository(),
		ActionLog:   memory.NewActionLogRepository(),
		Records:     memory.NewRecordSource(),
	}
}

// PostgresStores returns stores backed by pool. Blobs and anchors live
// outside the database and are supplied by the caller; a nil anchors
// disables truncation detection.
func PostgresStores(pool *database.ConnectionPool, blobs evidence.BlobStore, anchors ledger.AnchorStore) *Stores {
	db := pool.Pool()
	return &Stores{
		Ledger:      database.NewLedgerStore(pool),
		Anchors:     anchors,
		Evidence:    database.NewEvidenceRepository(db),
		Blobs:       blobs,
		Runs:        database.NewRunRepository(db),
		Findings:    database.NewFindingRepository(db),
		Locks:       database.NewLockRepository(db),
		CreditNotes: database.NewCreditNoteRepository(db),
		Sessions:    database.NewSessionRepository(db),
		ActionLog:   database.NewActionLogRepository(db),
		Records:     database.NewRecordSource(db),
	}
}

// Settings carries per-service configuration
type Settings struct {
	Ledger     ledgersvc.Config
	Evidence   evidencesvc.Config
	AuditRun   auditrunsvc.Config
	Rules      auditrunsvc.RuleDefaults
	Compliance compliancesvc.Config
}

// DefaultSettings returns the defaults of every service
func DefaultSettings() Settings {
	return Settings{
		Ledger:     ledgersvc.DefaultConfig(),
		Evidence:   evidencesvc.DefaultConfig(),
		AuditRun:   auditrunsvc.DefaultConfig(),
		Rules:      auditrunsvc.DefaultRuleDefaults(),
		Compliance: compliancesvc.DefaultConfig(),
	}
}

// SettingsFromConfig maps the loaded configuration onto service settings
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	s := DefaultSettings()

	s.Ledger.MaxRetries = cfg.Ledger.MaxRetries
	s.Ledger.InitialBackoff = cfg.Ledger.InitialBackoff
	s.Ledger.MaxBackoff = cfg.Ledger.MaxBackoff
	s.Ledger.StrictTimestamps = cfg.Ledger.StrictTimestamps

	if cfg.Evidence.VerifyConcurrency > 0 {
		s.Evidence.VerifyConcurrency = cfg.Evidence.VerifyConcurrency
	}
	if cfg.Evidence.MaxPayloadBytes > 0 {
		s.Evidence.MaxPayloadBytes = cfg.Evidence.MaxPayloadBytes
	}

	s.AuditRun.RuleVersion = cfg.Audit.RuleVersion
	s.Compliance.LockWindow = cfg.Compliance.LockWindow

	s.Rules.BenfordMinSample = cfg.Forensic.BenfordMinSample
	s.Rules.SuspiciousPValue = cfg.Forensic.SuspiciousPValue
	s.Rules.NonConformingPValue = cfg.Forensic.NonConformingPValue
	s.Rules.ZScoreThreshold = cfg.Forensic.ZScoreThreshold

	var err error
	if s.Rules.VATRate, err = parseDecimal("forensic.vat_rate", cfg.Forensic.VATRate, s.Rules.VATRate); err != nil {
		return Settings{}, err
	}
	if s.Rules.VATTolerance, err = parseDecimal("forensic.vat_tolerance", cfg.Forensic.VATTolerance, s.Rules.VATTolerance); err != nil {
		return Settings{}, err
	}
	if s.Rules.Thresholds.Materiality, err = parseDecimal("forensic.materiality", cfg.Forensic.Materiality, s.Rules.Thresholds.Materiality); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func parseDecimal(key, raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// Services is the assembled engine
type Services struct {
	Ledger       *ledgersvc.Service
	Evidence     *evidencesvc.Vault
	Findings     *findings.Service
	AuditRuns    *auditrunsvc.Engine
	Locks        *compliancesvc.LockManager
	MakerChecker *compliancesvc.MakerChecker
	Access       *accesssvc.Guard
}

// ServiceFactories builds services over a set of stores
type ServiceFactories struct {
	stores   *Stores
	settings Settings
	logger   *zap.Logger

	clock          values.Clock
	metrics        *metrics.Registry
	entryPublisher ledger.Publisher
	logPublisher   access.ActionLogPublisher
}

// FactoryOption customizes the factories
type FactoryOption func(*ServiceFactories)

// WithClock injects a clock into every service
func WithClock(c values.Clock) FactoryOption {
	return func(f *ServiceFactories) { f.clock = c }
}

// WithMetrics injects the metrics registry into every service
func WithMetrics(m *metrics.Registry) FactoryOption {
	return func(f *ServiceFactories) { f.metrics = m }
}

// WithEntryPublisher streams committed ledger entries
func WithEntryPublisher(p ledger.Publisher) FactoryOption {
	return func(f *ServiceFactories) { f.entryPublisher = p }
}

// WithActionLogPublisher streams auditor action log entries
func WithActionLogPublisher(p access.ActionLogPublisher) FactoryOption {
	return func(f *ServiceFactories) { f.logPublisher = p }
}

// NewServiceFactories creates a new service factory collection
func NewServiceFactories(stores *Stores, settings Settings, logger *zap.Logger, opts ...FactoryOption) *ServiceFactories {
	f := &ServiceFactories{
		stores:   stores,
		settings: settings,
		logger:   logger,
		clock:    values.RealClock{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateLedgerService creates the hash-chain ledger
func (f *ServiceFactories) CreateLedgerService() *ledgersvc.Service {
	opts := []ledgersvc.Option{ledgersvc.WithClock(f.clock), ledgersvc.WithMetrics(f.metrics)}
	if f.stores.Anchors != nil {
		opts = append(opts, ledgersvc.WithAnchorStore(f.stores.Anchors))
	}
	if f.entryPublisher != nil {
		opts = append(opts, ledgersvc.WithPublisher(f.entryPublisher))
	}
	return ledgersvc.NewService(f.settings.Ledger, f.stores.Ledger, f.logger, opts...)
}

// CreateEvidenceVault creates the evidence vault
func (f *ServiceFactories) CreateEvidenceVault(chain ledger.Recorder) *evidencesvc.Vault {
	return evidencesvc.NewVault(f.settings.Evidence, f.stores.Evidence, f.stores.Blobs, chain, f.logger,
		evidencesvc.WithClock(f.clock), evidencesvc.WithMetrics(f.metrics))
}

// CreateFindingsService creates the findings service
func (f *ServiceFactories) CreateFindingsService(chain *ledgersvc.Service, vault *evidencesvc.Vault) *findings.Service {
	return findings.NewService(f.stores.Findings, f.stores.Runs, chain, f.logger,
		findings.WithEvidence(vault), findings.WithChainVerifier(chain),
		findings.WithClock(f.clock), findings.WithMetrics(f.metrics))
}

// CreateAuditRunEngine creates the audit run engine with the standard rule
// set built from the configured defaults
func (f *ServiceFactories) CreateAuditRunEngine(chain ledger.Recorder, sink auditrunsvc.FindingSink, vault *evidencesvc.Vault) *auditrunsvc.Engine {
	registry := auditrunsvc.NewRegistry(
		auditrunsvc.NewStandardRuleSet(auditrunsvc.StandardRuleVersion, f.settings.Rules))
	return auditrunsvc.NewEngine(f.settings.AuditRun, f.stores.Runs, sink, f.stores.Records, chain, f.logger,
		auditrunsvc.WithRegistry(registry),
		auditrunsvc.WithSnapshotArchiver(vault),
		auditrunsvc.WithClock(f.clock),
		auditrunsvc.WithMetrics(f.metrics))
}

// CreateLockManager creates the compliance lock manager
func (f *ServiceFactories) CreateLockManager(chain ledger.Recorder) *compliancesvc.LockManager {
	return compliancesvc.NewLockManager(f.settings.Compliance, f.stores.Locks, f.stores.CreditNotes, chain, f.logger,
		compliancesvc.WithClock(f.clock), compliancesvc.WithMetrics(f.metrics))
}

// CreateMakerChecker creates the maker-checker control
func (f *ServiceFactories) CreateMakerChecker(chain ledger.Recorder) *compliancesvc.MakerChecker {
	return compliancesvc.NewMakerChecker(chain, f.logger,
		compliancesvc.WithClock(f.clock), compliancesvc.WithMetrics(f.metrics))
}

// CreateAccessGuard creates the auditor access guard
func (f *ServiceFactories) CreateAccessGuard(chain ledger.Recorder) *accesssvc.Guard {
	opts := []accesssvc.Option{accesssvc.WithClock(f.clock), accesssvc.WithMetrics(f.metrics)}
	if f.logPublisher != nil {
		opts = append(opts, accesssvc.WithPublisher(f.logPublisher))
	}
	return accesssvc.NewGuard(f.stores.Sessions, f.stores.ActionLog, chain, f.logger, opts...)
}

// Build assembles every service around one ledger
func (f *ServiceFactories) Build() *Services {
	chain := f.CreateLedgerService()
	vault := f.CreateEvidenceVault(chain)
	fs := f.CreateFindingsService(chain, vault)
	return &Services{
		Ledger:       chain,
		Evidence:     vault,
		Findings:     fs,
		AuditRuns:    f.CreateAuditRunEngine(chain, fs, vault),
		Locks:        f.CreateLockManager(chain),
		MakerChecker: f.CreateMakerChecker(chain),
		Access:       f.CreateAccessGuard(chain),
	}
}
