package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/treesync/treesync/libs/log"
	"github.com/treesync/treesync/types"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultTreesyncDir = ".treesync"
	defaultConfigDir   = "config"
	defaultDataDir     = "data"

	defaultConfigFileName = "config.toml"
	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

const (
	// StorageBackendKV stores changelogs in an embedded tm-db database.
	StorageBackendKV = "kv"
	// StorageBackendPSQL stores changelogs in PostgreSQL.
	StorageBackendPSQL = "psql"

	// SignaturePageLimit is the largest page the ledger returns from
	// getSignaturesForAddress.
	SignaturePageLimit = 1000
)

// Default program addresses on mainnet.
const (
	BubblegumProgramID    = "BGUMAp9Gq7iTEuizy4pqaxsTyUCBK68MDfK752saRPUY"
	SPLCompressionProgram = "cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK"
	SPLNoopProgram        = "noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV"
	MPLCompressionProgram = "mcmt6YrQEMKw8Mw43FmpRLmf7BqRnFMKmAcbxE3xkAW"
	MPLNoopProgram        = "mnoopTCrg4p8ry25e4bcWA9XZjbNjMTfgYVGGEdRsf3"
)

// Config defines the top level configuration for a treesync indexer.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	RPC             *RPCConfig             `mapstructure:"rpc"`
	Programs        *ProgramsConfig        `mapstructure:"programs"`
	Backfill        *BackfillConfig        `mapstructure:"backfill"`
	Storage         *StorageConfig         `mapstructure:"storage"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		RPC:             DefaultRPCConfig(),
		Programs:        DefaultProgramsConfig(),
		Backfill:        DefaultBackfillConfig(),
		Storage:         DefaultStorageConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		RPC:             TestRPCConfig(),
		Programs:        DefaultProgramsConfig(),
		Backfill:        TestBackfillConfig(),
		Storage:         TestStorageConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [rpc] section: %w", err)
	}
	if err := cfg.Programs.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [programs] section: %w", err)
	}
	if err := cfg.Backfill.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [backfill] section: %w", err)
	}
	if err := cfg.Storage.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [storage] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for the indexer.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend used by the kv storage backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`
}

// DefaultBaseConfig returns a default base configuration.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return errors.New("unknown log-format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log-level %q", cfg.LogLevel)
	}
	return nil
}

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig defines how the ledger JSON-RPC endpoint is reached.
type RPCConfig struct {
	// HTTP(S) address of the ledger JSON-RPC server.
	LedgerURL string `mapstructure:"ledger-url"`

	// Per request timeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Number of retries for transient failures before giving up.
	MaxRetries int `mapstructure:"max-retries"`

	// Client side request rate limit. 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests-per-second"`

	// Commitment level used for every read.
	Commitment string `mapstructure:"commitment"`
}

// DefaultRPCConfig returns a default configuration for the ledger client.
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		LedgerURL:         "https://api.mainnet-beta.solana.com",
		Timeout:           30 * time.Second,
		MaxRetries:        5,
		RequestsPerSecond: 40,
		Commitment:        "finalized",
	}
}

// TestRPCConfig returns a configuration for testing the ledger client.
func TestRPCConfig() *RPCConfig {
	cfg := DefaultRPCConfig()
	cfg.LedgerURL = "http://127.0.0.1:8899"
	cfg.Timeout = time.Second
	cfg.MaxRetries = 2
	cfg.RequestsPerSecond = 0
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *RPCConfig) ValidateBasic() error {
	u, err := url.Parse(cfg.LedgerURL)
	if err != nil {
		return fmt.Errorf("invalid ledger-url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ledger-url must be http or https, got %q", u.Scheme)
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max-retries can't be negative")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests-per-second can't be negative")
	}
	switch cfg.Commitment {
	case "finalized", "confirmed":
	default:
		return fmt.Errorf("unsupported commitment %q (must be 'finalized' or 'confirmed')", cfg.Commitment)
	}
	return nil
}

//-----------------------------------------------------------------------------
// ProgramsConfig

// ProgramsConfig lists the on-chain programs whose instructions are parsed.
type ProgramsConfig struct {
	Bubblegum          string   `mapstructure:"bubblegum"`
	AccountCompression []string `mapstructure:"account-compression"`
	Noop               []string `mapstructure:"noop"`
}

// DefaultProgramsConfig returns the mainnet program ids.
func DefaultProgramsConfig() *ProgramsConfig {
	return &ProgramsConfig{
		Bubblegum:          BubblegumProgramID,
		AccountCompression: []string{SPLCompressionProgram, MPLCompressionProgram},
		Noop:               []string{SPLNoopProgram, MPLNoopProgram},
	}
}

// ValidateBasic checks every configured id is a valid address.
func (cfg *ProgramsConfig) ValidateBasic() error {
	if _, err := types.PubkeyFromBase58(cfg.Bubblegum); err != nil {
		return fmt.Errorf("bubblegum: %w", err)
	}
	if len(cfg.AccountCompression) == 0 {
		return errors.New("at least one account-compression program is required")
	}
	for _, ids := range [][]string{cfg.AccountCompression, cfg.Noop} {
		for _, id := range ids {
			if _, err := types.PubkeyFromBase58(id); err != nil {
				return err
			}
		}
	}
	return nil
}

//-----------------------------------------------------------------------------
// BackfillConfig

// BackfillConfig bounds the gap backfill pipeline.
type BackfillConfig struct {
	// Number of trees reconciled concurrently.
	TreeConcurrency int `mapstructure:"tree-concurrency"`

	// Capacity of the signature queue between crawlers and fetch workers.
	SignatureChannelSize int `mapstructure:"signature-channel-size"`

	// Number of transaction fetch workers.
	SignatureWorkers int `mapstructure:"signature-workers"`

	// Number of gaps crawled concurrently within one tree.
	CrawlerConcurrency int `mapstructure:"crawler-concurrency"`

	// Gaps narrower than this many sequence numbers are crawled starting
	// from a nearby known transaction instead of the newest one.
	GapLimit uint64 `mapstructure:"gap-limit"`

	// Page size of the first request of an overfetched crawl.
	OverfetchLimit int `mapstructure:"overfetch-limit"`

	// Treat every tree as if it had never been indexed past its newest row.
	Force bool `mapstructure:"force"`

	// Pause between backfill passes of the running service.
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultBackfillConfig returns a default backfill configuration.
func DefaultBackfillConfig() *BackfillConfig {
	return &BackfillConfig{
		TreeConcurrency:      20,
		SignatureChannelSize: 10000,
		SignatureWorkers:     50,
		CrawlerConcurrency:   10,
		GapLimit:             100,
		OverfetchLimit:       150,
		Interval:             5 * time.Minute,
	}
}

// TestBackfillConfig returns a small configuration for testing.
func TestBackfillConfig() *BackfillConfig {
	return &BackfillConfig{
		TreeConcurrency:      2,
		SignatureChannelSize: 16,
		SignatureWorkers:     2,
		CrawlerConcurrency:   2,
		GapLimit:             10,
		OverfetchLimit:       20,
		Interval:             10 * time.Millisecond,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *BackfillConfig) ValidateBasic() error {
	if cfg.TreeConcurrency < 1 {
		return errors.New("tree-concurrency must be at least 1")
	}
	if cfg.SignatureChannelSize < 1 {
		return errors.New("signature-channel-size must be at least 1")
	}
	if cfg.SignatureWorkers < 1 {
		return errors.New("signature-workers must be at least 1")
	}
	if cfg.CrawlerConcurrency < 1 {
		return errors.New("crawler-concurrency must be at least 1")
	}
	if cfg.GapLimit == 0 {
		return errors.New("gap-limit must be positive")
	}
	if cfg.OverfetchLimit < 1 || cfg.OverfetchLimit > SignaturePageLimit {
		return fmt.Errorf("overfetch-limit must be in [1, %d]", SignaturePageLimit)
	}
	if cfg.Interval < 0 {
		return errors.New("interval can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// StorageConfig

// StorageConfig selects where changelogs are persisted.
type StorageConfig struct {
	// Backend is one of "kv" or "psql".
	Backend string `mapstructure:"backend"`

	// PostgreSQL connection string, required by the psql backend.
	PsqlConn string `mapstructure:"psql-conn"`
}

// DefaultStorageConfig uses the embedded kv backend.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{Backend: StorageBackendKV}
}

// TestStorageConfig returns a storage configuration for testing.
func TestStorageConfig() *StorageConfig {
	return DefaultStorageConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *StorageConfig) ValidateBasic() error {
	switch cfg.Backend {
	case StorageBackendKV:
	case StorageBackendPSQL:
		if cfg.PsqlConn == "" {
			return errors.New("psql-conn is required by the psql backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be %q or %q)", cfg.Backend, StorageBackendKV, StorageBackendPSQL)
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "treesync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
