package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/app"
	domainerrors "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/auth"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/memory"
)

const testSecret = "auditctl-test-secret"

func newTestEngine(t *testing.T) *engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Security.JWTSecret = testSecret

	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	parser, err := auth.NewTokenParser(cfg.Security)
	require.NoError(t, err)
	return &engine{App: a, tokens: parser}
}

func appendEntries(t *testing.T, e *engine, orgID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.Services.Ledger.Append(context.Background(), orgID, ledger.Draft{
			EntryType:    ledger.EntryTypeFinancialRecord,
			ResourceType: "invoice",
			ResourceID:   uuid.NewString(),
			Action:       ledger.ActionCreate,
			DataSnapshot: map[string]interface{}{"amount": "10.00"},
			ActorID:      "user-1",
		})
		require.NoError(t, err)
	}
}

func token(t *testing.T, orgID uuid.UUID, role string, auditor bool) string {
	t.Helper()
	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		OrganizationID: orgID.String(),
		Role:           role,
		IsAuditor:      auditor,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr cli.ExitCoder
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, code, exitErr.ExitCode())
}

func TestVerifyChainAllOrganizations(t *testing.T) {
	e := newTestEngine(t)
	healthy, tampered := uuid.New(), uuid.New()
	appendEntries(t, e, healthy, 3)
	appendEntries(t, e, tampered, 2)

	var out bytes.Buffer
	require.NoError(t, runVerifyChain(context.Background(), e, "", 1, 0, "text", &out))
	assert.Contains(t, out.String(), "entries verified: 5")
	assert.Contains(t, out.String(), "invalid chains: 0")
	assert.Contains(t, out.String(), "financial_record: 5")

	store := e.Stores.Ledger.(*memory.LedgerStore)
	require.True(t, store.Tamper(tampered, 1, func(en *ledger.Entry) { en.ActorID = "someone-else" }))

	out.Reset()
	err := runVerifyChain(context.Background(), e, "", 1, 0, "text", &out)
	requireExitCode(t, err, exitVerificationFailed)
	assert.Contains(t, out.String(), tampered.String()+" INVALID")
}

func TestVerifyChainSingleOrganizationJSON(t *testing.T) {
	e := newTestEngine(t)
	orgID := uuid.New()
	appendEntries(t, e, orgID, 4)

	var out bytes.Buffer
	require.NoError(t, runVerifyChain(context.Background(), e, orgID.String(), 2, 3, "json", &out))

	var result ledger.ChainVerificationResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.Equal(t, 2, result.EntriesVerified)
	assert.Equal(t, orgID, result.OrganizationID)
	require.NotNil(t, result.Statistics)
	assert.Equal(t, 2, result.Statistics.TotalEntries)
}

func TestVerifyChainRejectsBadOrganizationID(t *testing.T) {
	e := newTestEngine(t)
	err := runVerifyChain(context.Background(), e, "acme", 1, 0, "text", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid organization id")
}

func TestVerifyEvidence(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	orgID := uuid.New()

	record, err := e.Services.Evidence.StoreBytes(ctx, evidence.Draft{
		OrganizationID: orgID,
		EvidenceType:   evidence.TypeDocument,
		Title:          "Bank statement March",
		CollectedBy:    "user-1",
	}, []byte("statement body"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runVerifyEvidence(ctx, e, orgID.String(), "", "text", &out))
	assert.Contains(t, out.String(), "valid: 1")

	e.Stores.Blobs.(*memory.BlobStore).Overwrite(record.StorageKey, []byte("edited body"))

	out.Reset()
	err = runVerifyEvidence(ctx, e, orgID.String(), "", "text", &out)
	requireExitCode(t, err, exitVerificationFailed)
	assert.Contains(t, out.String(), record.ID.String())
}

func TestVerifyEvidenceChecksAuditorSession(t *testing.T) {
	e := newTestEngine(t)
	orgID := uuid.New()

	err := runVerifyEvidence(context.Background(), e, orgID.String(), token(t, orgID, "auditor", true), "text", &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, domainerrors.HasCode(err, domainerrors.CodeNoActiveSession))

	err = runVerifyEvidence(context.Background(), e, orgID.String(), "garbage", "text", &bytes.Buffer{})
	var authErr *auth.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, auth.CodeInvalidToken, authErr.Code)
}

func TestExportFindings(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	t.Run("unknown run", func(t *testing.T) {
		err := runExportFindings(ctx, e, uuid.NewString(), "", "json", "", &bytes.Buffer{})
		assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
	})

	t.Run("csv header for run without findings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "findings.csv")
		require.NoError(t, runExportFindings(ctx, e, uuid.NewString(), "", "csv", path, &bytes.Buffer{}))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := runExportFindings(ctx, e, uuid.NewString(), "", "xml", "", &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown export format")
	})
}

func TestWhoAmI(t *testing.T) {
	cfg := config.Defaults()
	cfg.Security.JWTSecret = testSecret
	orgID := uuid.New()

	var out bytes.Buffer
	require.NoError(t, runWhoAmI(cfg, token(t, orgID, "accountant", true), &out))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, orgID.String(), got["organization_id"])
	assert.Equal(t, true, got["auditor"])

	assert.Error(t, runWhoAmI(cfg, "", &out))
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000003_existing.up.sql"), nil, 0o644))

	var out bytes.Buffer
	require.NoError(t, createMigration(dir, "Add Retention-Index", &out))

	for _, name := range []string{"000004_add_retention_index.up.sql", "000004_add_retention_index.down.sql"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.Error(t, createMigration(dir, "  ", &out))
}

type fakeMigrator struct {
	version uint
	dirty   bool
}

func (f *fakeMigrator) Up() error                    { return nil }
func (f *fakeMigrator) Down() error                  { return nil }
func (f *fakeMigrator) Steps(int) error              { return nil }
func (f *fakeMigrator) Version() (uint, bool, error) { return f.version, f.dirty, nil }
func (f *fakeMigrator) Close() error                 { return nil }

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printVersion(&fakeMigrator{version: 3, dirty: true}, &out))
	assert.Equal(t, "version 3 (dirty)\n", out.String())
}

func TestCommandTree(t *testing.T) {
	cmd := newCommand(&bytes.Buffer{})
	names := make([]string, 0, len(cmd.Commands))
	for _, c := range cmd.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"verify-chain", "verify-evidence", "export-findings", "whoami", "migrate"}, names)
}
