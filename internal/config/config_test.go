package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatabaseURL(t *testing.T) {
	dialect, dsn, err := parseDatabaseURL("postgresql://gov:secret@db:5432/gov")
	require.NoError(t, err)
	assert.Equal(t, DatabaseSchemePostgres, dialect)
	assert.Equal(t, "postgresql://gov:secret@db:5432/gov", dsn)

	dialect, dsn, err = parseDatabaseURL("sqlite://data/gov.db")
	require.NoError(t, err)
	assert.Equal(t, DatabaseSchemeSQLite, dialect)
	assert.Equal(t, "data/gov.db", dsn)

	_, _, err = parseDatabaseURL("mysql://x")
	require.Error(t, err)
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_CONFIRM_TIMEOUT", "45s")
	t.Setenv("VOTING_POLICY", "ABSOLUTE")
	t.Setenv("VOTING_ALLOW_CHANGE", "false")
	t.Setenv("SWEEP_WORKERS", "not-a-number")

	cfg := Load()
	assert.Equal(t, DatabaseSchemeSQLite, cfg.DBDialect)
	assert.Equal(t, 45*time.Second, cfg.Ledger.ConfirmTimeout)
	assert.Equal(t, ResultPolicyAbsolute, cfg.Governance.ResultPolicy)
	assert.False(t, cfg.Governance.AllowVoteChange)
	assert.Equal(t, 4, cfg.Sweep.Workers)
	assert.Equal(t, 200, cfg.Governance.TitleMaxLength)
	assert.False(t, cfg.Ledger.Enabled())
}

func TestDebugStringMasksSecrets(t *testing.T) {
	cfg := Config{
		Ledger:    Ledger{ServiceKey: "deadbeef"},
		DBDialect: DatabaseSchemePostgres,
		DBDsn:     "postgres://gov:secret@db:5432/gov",
	}
	out := cfg.DebugString()
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "deadbeef")
	assert.True(t, strings.Contains(out, "service_key=***"))

	assert.Equal(t, "host=db password=***", maskDSN(DatabaseSchemePostgres, "host=db password=hunter2"))
}
