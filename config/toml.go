package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/creachadair/atomicfile"

	tsos "github.com/treesync/treesync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
		"QuoteList":   quoteList,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tsos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// ConfigFile returns the path of config.toml under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to
// the config directory under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	_, err := atomicfile.WriteAll(path, &buffer, 0644)
	return err
}

// WriteDefaultConfigFileIfNone writes the default config unless a config
// file already exists.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	if tsos.FileExists(ConfigFile(rootDir)) {
		return nil
	}
	if err := EnsureRoot(rootDir); err != nil {
		return err
	}
	return WriteConfigFile(rootDir, DefaultConfig())
}

// ResetTestRoot creates a fresh test home under the temp dir with a config
// file written from TestConfig.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s-%s_", "treesync", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}
	cfg := TestConfig().SetRoot(rootDir)
	if err := WriteConfigFile(rootDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/treesync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.treesync" by default, but could be changed via $TSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Output level for logging: debug | info | warn | error
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend of the kv storage backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###        Ledger RPC Client Configuration Options  ###
#######################################################
[rpc]

# JSON-RPC endpoint of the ledger
ledger-url = "{{ .RPC.LedgerURL }}"

# Per request timeout
timeout = "{{ .RPC.Timeout }}"

# Retries of a failed request before the caller sees the error
max-retries = {{ .RPC.MaxRetries }}

# Client side request pacing, 0 disables it
requests-per-second = {{ .RPC.RequestsPerSecond }}

# Commitment level used for reads: finalized | confirmed
commitment = "{{ .RPC.Commitment }}"

#######################################################
###             Program Configuration Options       ###
#######################################################
[programs]

bubblegum = "{{ .Programs.Bubblegum }}"
account-compression = {{ QuoteList .Programs.AccountCompression }}
noop = {{ QuoteList .Programs.Noop }}

#######################################################
###            Backfill Configuration Options       ###
#######################################################
[backfill]

# Number of trees reconciled concurrently
tree-concurrency = {{ .Backfill.TreeConcurrency }}

# Capacity of the queue between signature crawlers and fetch workers
signature-channel-size = {{ .Backfill.SignatureChannelSize }}

# Number of transaction fetch workers
signature-workers = {{ .Backfill.SignatureWorkers }}

# Number of gaps crawled concurrently within one tree
crawler-concurrency = {{ .Backfill.CrawlerConcurrency }}

# Gaps spanning fewer sequence numbers than this start crawling from a
# nearby known transaction
gap-limit = {{ .Backfill.GapLimit }}

# Page size of the first request of such a crawl
overfetch-limit = {{ .Backfill.OverfetchLimit }}

# Re-crawl every tree from its newest transaction
force = {{ .Backfill.Force }}

# Pause between backfill passes
interval = "{{ .Backfill.Interval }}"

#######################################################
###             Storage Configuration Options       ###
#######################################################
[storage]

# Changelog store: kv | psql
backend = "{{ .Storage.Backend }}"

# PostgreSQL connection string, used by the psql backend
psql-conn = "{{ .Storage.PsqlConn }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
