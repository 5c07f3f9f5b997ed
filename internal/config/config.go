package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
	// DatabaseSchemeSQLite is the sqlite database scheme identifier
	DatabaseSchemeSQLite = "sqlite"

	// ResultPolicySimple counts a proposal as passed when upvotes exceed downvotes.
	ResultPolicySimple = "simple"
	// ResultPolicyAbsolute requires upvotes to exceed half of all votes cast.
	ResultPolicyAbsolute = "absolute"
)

// Ledger holds the settings for talking to the governance contract.
type Ledger struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64 // 0: ask the node
	Network         string
	ServiceKey      string // optional hex private key bound to the "service" identity
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
}

// Enabled reports whether a ledger endpoint and contract are configured.
func (l Ledger) Enabled() bool {
	return l.RPCURL != "" && l.ContractAddress != ""
}

// Governance holds the proposal and voting rules.
type Governance struct {
	TitleMaxLength       int
	MinDescriptionLength int
	AllowVoteChange      bool
	ResultPolicy         string
	MinVotersRequired    int
	DefaultDuration      time.Duration
}

// Sweep controls the reconciliation sweep.
type Sweep struct {
	Schedule  string // cron spec with seconds
	Workers   int
	BatchSize int
}

type Config struct {
	Ledger      Ledger
	Governance  Governance
	Sweep       Sweep
	DBDialect   string // postgres or sqlite
	DBDsn       string // DSN string passed to GORM driver
	MetricsAddr string // optional: listen address for /metrics
	LogLevel    string
	LogEncoding string
	Debug       bool // if true: verbose logs to govsync.log
	TUI         bool // if true: show the operator dashboard
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql, sqlite, file.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	case DatabaseSchemeSQLite:
		// sqlite://relative/path.db or sqlite:///abs/path.db
		dsn := strings.TrimPrefix(databaseURL, u.Scheme+"://")
		if dsn == "" {
			return "", "", fmt.Errorf("sqlite DATABASE_URL has no path")
		}
		return DatabaseSchemeSQLite, dsn, nil
	case "file":
		return DatabaseSchemeSQLite, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

func parseResultPolicy(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case ResultPolicyAbsolute:
		return ResultPolicyAbsolute
	default:
		return ResultPolicySimple
	}
}

func Load() Config {
	cfg := Config{
		Ledger: Ledger{
			RPCURL:          strings.TrimSpace(os.Getenv("RPC_URL")),
			ContractAddress: strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS")),
			ChainID:         int64(getenvInt("CHAIN_ID", 0)),
			Network:         getenv("NETWORK", "hardhat"),
			ServiceKey:      strings.TrimSpace(os.Getenv("SERVICE_SIGNER_KEY")),
			ConfirmTimeout:  getenvDuration("LEDGER_CONFIRM_TIMEOUT", 90*time.Second),
			PollInterval:    getenvDuration("LEDGER_POLL_INTERVAL", time.Second),
		},
		Governance: Governance{
			TitleMaxLength:       getenvInt("PROPOSAL_TITLE_MAX", 200),
			MinDescriptionLength: getenvInt("PROPOSAL_DESC_MIN", 10),
			AllowVoteChange:      getenvBool("VOTING_ALLOW_CHANGE", true),
			ResultPolicy:         parseResultPolicy(os.Getenv("VOTING_POLICY")),
			MinVotersRequired:    getenvInt("VOTING_MIN_VOTERS", 0),
			DefaultDuration:      getenvDuration("VOTING_DEFAULT_DURATION", 7*24*time.Hour),
		},
		Sweep: Sweep{
			Schedule:  getenv("SWEEP_SCHEDULE", "*/30 * * * * *"),
			Workers:   getenvInt("SWEEP_WORKERS", 4),
			BatchSize: getenvInt("SWEEP_BATCH_SIZE", 200),
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogEncoding: getenv("LOG_ENCODING", "console"),
		Debug:       getenvBool("DEBUG", false),
		TUI:         getenvBool("TUI", false),
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL, falling back to in-memory sqlite: %v\n", err)
		}
	}
	if cfg.DBDialect == "" {
		cfg.DBDialect = DatabaseSchemeSQLite
		cfg.DBDsn = "file:govsync?mode=memory&cache=shared"
	}

	return cfg
}

func (c Config) String() string {
	return fmt.Sprintf("rpc=%s contract=%s db=%s", c.Ledger.RPCURL, c.Ledger.ContractAddress, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"rpc=%s contract=%s network=%s chain_id=%d service_key=%s db=%s dsn=%s confirm_timeout=%s sweep=%q policy=%s",
		c.Ledger.RPCURL,
		c.Ledger.ContractAddress,
		c.Ledger.Network,
		c.Ledger.ChainID,
		maskKey(c.Ledger.ServiceKey),
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		c.Ledger.ConfirmTimeout,
		c.Sweep.Schedule,
		c.Governance.ResultPolicy,
	)
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	return "***"
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
