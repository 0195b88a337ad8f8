package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/replication"
)

func load(t *testing.T, file string, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("custodyd", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := New()
	require.NoError(t, BindFlags(v, fs))
	return Load(v, file)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CUSTODY_NODE_DATA_DIR", "/var/lib/custody")

	cfg, err := load(t, "")
	require.NoError(t, err)

	require.Equal(t, BackendGoLevelDB, cfg.Ledger.Backend)
	require.Equal(t, "/var/lib/custody/ledger", cfg.Ledger.Dir)
	require.Equal(t, "/var/lib/custody/evidence", cfg.Evidence.Dir)
	require.Equal(t, 30*time.Second, cfg.Capture.Deadline)
	require.Equal(t, 3, cfg.Replication.FailureThreshold)
	require.Equal(t, 1, cfg.Replication.MinReplicas)
	require.Equal(t, 5*time.Minute, cfg.Verify.Interval)
	require.Equal(t, cfg.Node.ID, cfg.Capture.NodeID)
	require.Empty(t, cfg.Replication.Sites)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "custody.yaml", `
node:
  id: site-a
  data_dir: /data
log:
  level: replication:debug,*:info
  format: json
capture:
  deadline: 10s
  rate_limit: 5
  collectors:
    log_files: [/var/log/lims.log]
    commands:
      - label: docker
        args: [docker, ps]
replication:
  secret: s3cret
  min_replicas: 2
  prune_after_replication: true
  sites:
    - id: site-b
      endpoint: http://b.example:8400
    - id: site-c
      endpoint: http://c.example:8400
verify:
  capture_on_tamper: true
`)
	cfg, err := load(t, path)
	require.NoError(t, err)

	require.Equal(t, "site-a", cfg.Node.ID)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 10*time.Second, cfg.Capture.Deadline)
	require.Equal(t, float64(5), cfg.Capture.RateLimit)
	require.Equal(t, []replication.SiteConfig{
		{ID: "site-b", Endpoint: "http://b.example:8400"},
		{ID: "site-c", Endpoint: "http://c.example:8400"},
	}, cfg.Replication.Sites)
	require.True(t, cfg.Replication.PruneAfterReplication)
	require.True(t, cfg.Verify.CaptureOnTamper)

	collectors := cfg.Capture.BuildCollectors()
	names := make([]string, 0, len(collectors))
	for _, c := range collectors {
		names = append(names, c.Name())
	}
	require.Equal(t, []string{"host", "processes", "logs", "command:docker"}, names)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "custody.toml", `
[node]
id = "site-a"

[ledger]
backend = "memdb"

[replication]
secret = "s3cret"

[[replication.sites]]
id = "site-b"
endpoint = "http://b.example:8400"
`)
	cfg, err := load(t, path)
	require.NoError(t, err)
	require.Equal(t, BackendMemDB, cfg.Ledger.Backend)
	require.Len(t, cfg.Replication.Sites, 1)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "custody.yaml", "node:\n  id: site-a\nverify:\n  interval: 1m\n")
	t.Setenv("CUSTODY_VERIFY_INTERVAL", "90s")
	t.Setenv("CUSTODY_REPLICATION_SECRET", "s3cret")
	t.Setenv("CUSTODY_REPLICATION_SITES", "site-b=http://b:8400, site-c=http://c:8400")

	cfg, err := load(t, path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Verify.Interval)
	require.Equal(t, []replication.SiteConfig{
		{ID: "site-b", Endpoint: "http://b:8400"},
		{ID: "site-c", Endpoint: "http://c:8400"},
	}, cfg.Replication.Sites)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CUSTODY_NODE_ID", "from-env")

	cfg, err := load(t, "", "--node-id", "from-flag", "--listen", "127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Node.ID)
	require.Equal(t, "127.0.0.1:9000", cfg.API.ListenAddr)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := load(t, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Node.ID = "site-a"
		cfg.Replication.Secret = "s3cret"
		cfg.Replication.Sites = []replication.SiteConfig{{ID: "site-b", Endpoint: "http://b"}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Ledger.Backend = "sqlite" }, err: "unknown ledger backend"},
		{name: "postgres without url", mutate: func(c *Config) { c.Ledger.Backend = BackendPostgres }, err: "postgres_url"},
		{name: "zero deadline", mutate: func(c *Config) { c.Capture.Deadline = 0 }, err: "deadline"},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Replication.FailureThreshold = 0 }, err: "failure_threshold"},
		{name: "min replicas above sites", mutate: func(c *Config) {
			c.Replication.MinReplicas = 2
			c.Replication.PruneAfterReplication = true
		}, err: "exceeds"},
		{name: "duplicate site", mutate: func(c *Config) {
			c.Replication.Sites = append(c.Replication.Sites, replication.SiteConfig{ID: "site-b", Endpoint: "http://b2"})
		}, err: "duplicate site"},
		{name: "site is self", mutate: func(c *Config) { c.Replication.Sites[0].ID = "site-a" }, err: "this node"},
		{name: "missing secret", mutate: func(c *Config) { c.Replication.Secret = "" }, err: "secret"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, err: "log"},
		{name: "command without args", mutate: func(c *Config) {
			c.Capture.Collectors.Commands = []CommandConfig{{Label: "docker"}}
		}, err: "command"},
		{name: "telemetry without endpoint", mutate: func(c *Config) { c.Telemetry.Enabled = true }, err: "otlp endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.err)
		})
	}
}

func TestParseSitesRejectsMalformed(t *testing.T) {
	_, err := parseSites("site-b")
	require.ErrorContains(t, err, "id=endpoint")

	sites, err := parseSites([]any{map[string]any{"id": "site-b", "endpoint": "http://b"}})
	require.NoError(t, err)
	require.Equal(t, []replication.SiteConfig{{ID: "site-b", Endpoint: "http://b"}}, sites)
}

func TestCaptureConfigEmbedsAgentSettings(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, capture.DefaultConfig().Deadline, cfg.Capture.Config.Deadline)
}
