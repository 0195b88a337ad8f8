// Package config loads the custodyd configuration from defaults, an optional
// config file, CUSTODY_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paw-chain/custody/api"
	"github.com/paw-chain/custody/app/telemetry"
	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/logging"
	"github.com/paw-chain/custody/recovery"
	"github.com/paw-chain/custody/replication"
)

const (
	EnvPrefix = "CUSTODY"

	BackendGoLevelDB = "goleveldb"
	BackendMemDB     = "memdb"
	BackendPostgres  = "postgres"
)

// Config is the complete node configuration
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Log         logging.Config    `mapstructure:"log"`
	API         api.Config        `mapstructure:"api"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Verify      VerifyConfig      `mapstructure:"verify"`
	Telemetry   telemetry.Config  `mapstructure:"telemetry"`
}

// NodeConfig identifies this site
type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

// LedgerConfig selects the ledger backend
type LedgerConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	PostgresURL string `mapstructure:"postgres_url"`
	// SigningKey is the ed25519 key file; empty disables block signatures
	SigningKey string `mapstructure:"signing_key"`
	// VerifyKey is a trusted hex public key the verifier checks signatures against
	VerifyKey string `mapstructure:"verify_key"`
}

// EvidenceConfig locates the evidence store
type EvidenceConfig struct {
	Dir string `mapstructure:"dir"`
}

// CaptureConfig is the capture agent with its collectors
type CaptureConfig struct {
	capture.Config `mapstructure:",squash"`
	Collectors     CollectorsConfig `mapstructure:"collectors"`
}

// CollectorsConfig selects what a snapshot contains
type CollectorsConfig struct {
	Host        bool            `mapstructure:"host"`
	Processes   int             `mapstructure:"processes"`
	LogFiles    []string        `mapstructure:"log_files"`
	LogLines    int             `mapstructure:"log_lines"`
	ConfigFiles []string        `mapstructure:"config_files"`
	Commands    []CommandConfig `mapstructure:"commands"`
	ProcRoot    string          `mapstructure:"proc_root"`
}

// CommandConfig is one command whose output is captured
type CommandConfig struct {
	Label string   `mapstructure:"label"`
	Args  []string `mapstructure:"args"`
}

// ReplicationConfig is the replication manager with its transport settings
type ReplicationConfig struct {
	replication.Config `mapstructure:",squash"`
	// Secret is shared by every site and keys the replication bearer tokens
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RecoveryConfig configures the recovery orchestrator
type RecoveryConfig struct {
	PageSize int `mapstructure:"page_size"`
	// OnStart restores from the best replica before serving
	OnStart bool `mapstructure:"on_start"`
}

// VerifyConfig schedules background verification
type VerifyConfig struct {
	// Interval between full sweeps, zero disables the sweep
	Interval        time.Duration `mapstructure:"interval"`
	CaptureOnTamper bool          `mapstructure:"capture_on_tamper"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "custody-node"
	}
	dataDir := ".custody"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".custody")
	}

	return Config{
		Node:   NodeConfig{ID: nodeID, DataDir: dataDir},
		Log:    logging.DefaultConfig(),
		API:    api.DefaultConfig(),
		Ledger: LedgerConfig{Backend: BackendGoLevelDB},
		Capture: CaptureConfig{
			Config: capture.DefaultConfig(),
			Collectors: CollectorsConfig{
				Host:      true,
				Processes: 20,
				LogLines:  100,
			},
		},
		Replication: ReplicationConfig{
			Config:  replication.DefaultConfig(),
			Timeout: 30 * time.Second,
		},
		Recovery: RecoveryConfig{PageSize: recovery.DefaultPageSize},
		Verify:   VerifyConfig{Interval: 5 * time.Minute},
		Telemetry: telemetry.Config{
			SampleRate:  0.1,
			Environment: "production",
		},
	}
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return v
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("node.id", cfg.Node.ID)
	v.SetDefault("node.data_dir", cfg.Node.DataDir)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.color", cfg.Log.Color)

	v.SetDefault("api.listen_addr", cfg.API.ListenAddr)
	v.SetDefault("api.cors_origins", cfg.API.CORSOrigins)
	v.SetDefault("api.rate_limit_rps", cfg.API.RateLimitRPS)
	v.SetDefault("api.read_timeout", cfg.API.ReadTimeout)
	v.SetDefault("api.write_timeout", cfg.API.WriteTimeout)
	v.SetDefault("api.idle_timeout", cfg.API.IdleTimeout)
	v.SetDefault("api.shutdown_timeout", cfg.API.ShutdownTimeout)
	v.SetDefault("api.trust_proxy", cfg.API.TrustProxy)
	v.SetDefault("api.tls_cert_file", cfg.API.TLSCertFile)
	v.SetDefault("api.tls_key_file", cfg.API.TLSKeyFile)

	v.SetDefault("ledger.backend", cfg.Ledger.Backend)
	v.SetDefault("ledger.dir", cfg.Ledger.Dir)
	v.SetDefault("ledger.postgres_url", cfg.Ledger.PostgresURL)
	v.SetDefault("ledger.signing_key", cfg.Ledger.SigningKey)
	v.SetDefault("ledger.verify_key", cfg.Ledger.VerifyKey)

	v.SetDefault("evidence.dir", cfg.Evidence.Dir)

	v.SetDefault("capture.deadline", cfg.Capture.Deadline)
	v.SetDefault("capture.rate_limit", cfg.Capture.RateLimit)
	v.SetDefault("capture.burst", cfg.Capture.Burst)
	v.SetDefault("capture.store_attempts", cfg.Capture.StoreAttempts)
	v.SetDefault("capture.initial_backoff", cfg.Capture.InitialBackoff)
	v.SetDefault("capture.max_backoff", cfg.Capture.MaxBackoff)
	v.SetDefault("capture.collectors.host", cfg.Capture.Collectors.Host)
	v.SetDefault("capture.collectors.processes", cfg.Capture.Collectors.Processes)
	v.SetDefault("capture.collectors.log_files", cfg.Capture.Collectors.LogFiles)
	v.SetDefault("capture.collectors.log_lines", cfg.Capture.Collectors.LogLines)
	v.SetDefault("capture.collectors.config_files", cfg.Capture.Collectors.ConfigFiles)
	v.SetDefault("capture.collectors.commands", cfg.Capture.Collectors.Commands)
	v.SetDefault("capture.collectors.proc_root", cfg.Capture.Collectors.ProcRoot)

	v.SetDefault("replication.sites", cfg.Replication.Sites)
	v.SetDefault("replication.sync_interval", cfg.Replication.SyncInterval)
	v.SetDefault("replication.failure_threshold", cfg.Replication.FailureThreshold)
	v.SetDefault("replication.initial_backoff", cfg.Replication.InitialBackoff)
	v.SetDefault("replication.max_backoff", cfg.Replication.MaxBackoff)
	v.SetDefault("replication.chunk_size", cfg.Replication.ChunkSize)
	v.SetDefault("replication.min_replicas", cfg.Replication.MinReplicas)
	v.SetDefault("replication.prune_after_replication", cfg.Replication.PruneAfterReplication)
	v.SetDefault("replication.secret", cfg.Replication.Secret)
	v.SetDefault("replication.timeout", cfg.Replication.Timeout)

	v.SetDefault("recovery.page_size", cfg.Recovery.PageSize)
	v.SetDefault("recovery.on_start", cfg.Recovery.OnStart)

	v.SetDefault("verify.interval", cfg.Verify.Interval)
	v.SetDefault("verify.capture_on_tamper", cfg.Verify.CaptureOnTamper)

	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.sample_rate", cfg.Telemetry.SampleRate)
	v.SetDefault("telemetry.environment", cfg.Telemetry.Environment)
}

// AddFlags registers the command line overrides
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml or toml)")
	fs.String("node-id", "", "site identifier of this node")
	fs.String("data-dir", "", "directory for ledger and evidence data")
	fs.String("log-level", "", "log level, e.g. info or replication:debug,*:info")
	fs.String("log-format", "", "log format (text|json)")
	fs.String("listen", "", "API listen address")
	fs.String("ledger-backend", "", "ledger backend (goleveldb|memdb|postgres)")
}

// flagKeys maps flags onto configuration keys
var flagKeys = map[string]string{
	"node-id":        "node.id",
	"data-dir":       "node.data_dir",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"listen":         "api.listen_addr",
	"ledger-backend": "ledger.backend",
}

// BindFlags binds flags registered by AddFlags. Only flags set on the
// command line override lower layers.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads configFile when set, otherwise custody.{yaml,toml} from the
// working directory or $HOME/.custody when present, and decodes the result.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("custody")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".custody"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	sites, err := parseSites(v.Get("replication.sites"))
	if err != nil {
		return Config{}, err
	}
	v.Set("replication.sites", sites)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseSites accepts a list of {id, endpoint} tables or, from the environment,
// a comma separated "id=endpoint" list
func parseSites(raw any) ([]replication.SiteConfig, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []replication.SiteConfig:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		var sites []replication.SiteConfig
		for _, entry := range strings.Split(val, ",") {
			id, endpoint, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				return nil, fmt.Errorf("invalid replication site %q, want id=endpoint", entry)
			}
			sites = append(sites, replication.SiteConfig{ID: strings.TrimSpace(id), Endpoint: strings.TrimSpace(endpoint)})
		}
		return sites, nil
	}

	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid replication sites: %w", err)
	}
	sites := make([]replication.SiteConfig, 0, len(items))
	for _, item := range items {
		fields, err := cast.ToStringMapStringE(item)
		if err != nil {
			return nil, fmt.Errorf("invalid replication site %v: %w", item, err)
		}
		sites = append(sites, replication.SiteConfig{ID: fields["id"], Endpoint: fields["endpoint"]})
	}
	return sites, nil
}

func (c *Config) resolvePaths() {
	if c.Ledger.Dir == "" {
		c.Ledger.Dir = filepath.Join(c.Node.DataDir, "ledger")
	}
	if c.Evidence.Dir == "" {
		c.Evidence.Dir = filepath.Join(c.Node.DataDir, "evidence")
	}
	c.Capture.NodeID = c.Node.ID
	c.Telemetry.NodeID = c.Node.ID
}

// Validate checks the configuration is usable
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	switch c.Ledger.Backend {
	case BackendGoLevelDB, BackendMemDB:
	case BackendPostgres:
		if c.Ledger.PostgresURL == "" {
			return fmt.Errorf("ledger.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Capture.Deadline <= 0 {
		return fmt.Errorf("capture.deadline must be positive")
	}
	if c.Capture.RateLimit < 0 {
		return fmt.Errorf("capture.rate_limit must not be negative")
	}
	for _, cmd := range c.Capture.Collectors.Commands {
		if cmd.Label == "" || len(cmd.Args) == 0 {
			return fmt.Errorf("capture command needs a label and arguments")
		}
	}

	if err := c.validateReplication(); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	if c.Recovery.PageSize < 1 {
		return fmt.Errorf("recovery.page_size must be at least 1")
	}
	if c.Verify.Interval < 0 {
		return fmt.Errorf("verify.interval must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func (c Config) validateReplication() error {
	r := c.Replication
	if r.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if r.MinReplicas < 1 {
		return fmt.Errorf("min_replicas must be at least 1")
	}
	if r.PruneAfterReplication && r.MinReplicas > len(r.Sites) {
		return fmt.Errorf("min_replicas %d exceeds the %d configured sites", r.MinReplicas, len(r.Sites))
	}
	if len(r.Sites) > 0 && r.Secret == "" {
		return fmt.Errorf("secret is required when sites are configured")
	}

	seen := make(map[string]struct{}, len(r.Sites))
	for _, site := range r.Sites {
		if site.ID == "" || site.Endpoint == "" {
			return fmt.Errorf("every site needs an id and an endpoint")
		}
		if site.ID == c.Node.ID {
			return fmt.Errorf("site %s is this node", site.ID)
		}
		if _, dup := seen[site.ID]; dup {
			return fmt.Errorf("duplicate site id %s", site.ID)
		}
		seen[site.ID] = struct{}{}
	}
	return nil
}

// BuildCollectors returns the configured snapshot collectors
func (c CaptureConfig) BuildCollectors() []capture.Collector {
	cc := c.Collectors
	var collectors []capture.Collector
	if cc.Host {
		collectors = append(collectors, capture.HostCollector{ProcRoot: cc.ProcRoot})
	}
	if cc.Processes > 0 {
		collectors = append(collectors, capture.ProcessCollector{ProcRoot: cc.ProcRoot, Limit: cc.Processes})
	}
	if len(cc.LogFiles) > 0 {
		collectors = append(collectors, capture.LogTailCollector{Paths: cc.LogFiles, Lines: cc.LogLines})
	}
	if len(cc.ConfigFiles) > 0 {
		collectors = append(collectors, capture.ConfigCollector{Patterns: cc.ConfigFiles})
	}
	for _, cmd := range cc.Commands {
		collectors = append(collectors, capture.CommandCollector{Label: cmd.Label, Args: cmd.Args})
	}
	return collectors
}
