// Package config handles loading, validating, and applying
// configuration for vmrunner.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/vmrunner/internal/ghapp"
	"github.com/terrpan/vmrunner/internal/otel"
	"github.com/terrpan/vmrunner/internal/runner"
	"github.com/terrpan/vmrunner/internal/ssh"
	"github.com/terrpan/vmrunner/internal/supervisor"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig   `yaml:"github"`
	Runner  RunnerConfig   `yaml:"runner"`
	SSH     SSHConfig      `yaml:"ssh"`
	Targets []TargetConfig `yaml:"targets"`
	Logging LoggingConfig  `yaml:"logging"`
	OTel    OTelConfig     `yaml:"otel"`
	Serve   ServeConfig    `yaml:"serve"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds credentials and the identifiers runners register
// against.
type GitHubConfig struct {
	// URL is the platform address registration URLs are built on.
	// Default: https://github.com.
	URL string `yaml:"url"`

	// APIURL is the REST API base for GitHub Enterprise Server
	// (e.g. https://ghe.example.com/api/v3/).  Empty means github.com.
	APIURL string `yaml:"api_url"`

	// App holds GitHub App credentials (recommended).
	App GitHubAppConfig `yaml:"app"`

	// Token is a personal access token (alternative to App).
	Token string `yaml:"token"`

	// Organization is required for runner.scope "organization".
	Organization string `yaml:"organization"`

	// Owner and Repository are required for runner.scope "repository".
	Owner      string `yaml:"owner"`
	Repository string `yaml:"repository"`
}

// GitHubAppConfig holds GitHub App credentials.  The key can live in a
// file via PrivateKeyPath.
type GitHubAppConfig struct {
	ClientID string `yaml:"client_id"`
	// InstallationID is optional; it is looked up from the scope when
	// zero.
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via CLI flag).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner registered on each machine.
type RunnerConfig struct {
	// Scope: organization or repository.
	Scope  string   `yaml:"scope"`
	Labels []string `yaml:"labels"`
	// Group is the runner group.  Default: "Default".
	Group string `yaml:"group"`
	// Name, when set, is the base of the runner name.  The machine name
	// is used otherwise.
	Name                 string `yaml:"name"`
	DisableUpdates       bool   `yaml:"disable_updates"`
	DisableDefaultLabels bool   `yaml:"disable_default_labels"`
	// OS and Arch pick the runner archive.  Default: linux / x64.
	OS   string `yaml:"os"`
	Arch string `yaml:"arch"`
}

// ---------------------------------------------------------------------------
// SSH
// ---------------------------------------------------------------------------

// SSHConfig holds the connection settings shared by every machine.
type SSHConfig struct {
	User string `yaml:"user"`
	// Port is used for target addresses without one.  Default: 22.
	Port           int    `yaml:"port"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Password       string `yaml:"password"`

	KnownHostsPath        string `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`

	// LaunchMode: nohup or terminal.  Default: nohup.
	LaunchMode string `yaml:"launch_mode"`

	// Timeout bounds the TCP connect and SSH handshake.  Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	// KeepAliveInterval is how often a running machine is pinged so a
	// vanished one is noticed.  Default: 15s.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	// KeepAliveMaxMissed is how many pings may go unanswered.
	// Default: 3.
	KeepAliveMaxMissed int `yaml:"keepalive_max_missed"`
}

// TargetConfig is one machine watched by `serve`.
type TargetConfig struct {
	Name string `yaml:"name"`
	// Address is host or host:port.
	Address string `yaml:"address"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Serve
// ---------------------------------------------------------------------------

// ServeConfig controls the long-running `serve` command.
type ServeConfig struct {
	// Listen is the address of the /healthz and /metrics server.
	// Default: ":8080".
	Listen string `yaml:"listen"`

	// RetryInterval is the pause before a machine is dialed again after
	// its session ended.  Default: 5s.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.URL == "" {
		c.GitHub.URL = runner.DefaultBaseURL
	}
	if c.Runner.Group == "" {
		c.Runner.Group = "Default"
	}
	if c.Runner.OS == "" {
		c.Runner.OS = "linux"
	}
	if c.Runner.Arch == "" {
		c.Runner.Arch = "x64"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.LaunchMode == "" {
		c.SSH.LaunchMode = ssh.LaunchNohup
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = 10 * time.Second
	}
	if c.SSH.KeepAliveInterval == 0 {
		c.SSH.KeepAliveInterval = 15 * time.Second
	}
	if c.SSH.KeepAliveMaxMissed == 0 {
		c.SSH.KeepAliveMaxMissed = ssh.DefaultKeepAliveMaxMissed
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Serve.Listen == "" {
		c.Serve.Listen = ":8080"
	}
	if c.Serve.RetryInterval == 0 {
		c.Serve.RetryInterval = 5 * time.Second
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := c.BaseURL(); err != nil {
		return err
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if err := c.validateScope(); err != nil {
		return err
	}
	for i, l := range c.Runner.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runner.labels[%d] is empty", i)
		}
	}

	if err := c.validateSSH(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if t.Address == "" {
			return fmt.Errorf("targets[%d].address is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("targets[%d].name %q is duplicated", i, t.Name)
		}
		seen[t.Name] = true
	}

	return nil
}

// ValidateServe runs Validate and additionally requires targets.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets: at least one target is required for serve")
	}
	return nil
}

func (c *Config) validateAuth() error {
	hasToken := c.GitHub.Token != ""
	hasApp := c.GitHub.App.ClientID != "" ||
		c.GitHub.App.InstallationID != 0 ||
		c.GitHub.App.PrivateKey != "" ||
		c.GitHub.App.PrivateKeyPath != ""

	if !hasToken && !hasApp {
		return fmt.Errorf("no credentials: provide github.app (recommended) or github.token")
	}

	if hasApp && !hasToken {
		if c.GitHub.App.ClientID == "" {
			return fmt.Errorf("github.app.client_id is required when using GitHub App auth")
		}
		if c.GitHub.App.PrivateKey == "" && c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app.private_key or github.app.private_key_path is required")
		}
	}

	return nil
}

func (c *Config) validateScope() error {
	var scope runner.Scope
	if err := scope.UnmarshalText([]byte(c.Runner.Scope)); err != nil {
		return fmt.Errorf("runner.scope: %w", err)
	}
	c.Runner.Scope = string(scope)

	switch scope {
	case runner.ScopeOrganization:
		if c.GitHub.Organization == "" {
			return fmt.Errorf("github.organization is required when runner.scope is %q", scope)
		}
	case runner.ScopeRepository:
		if c.GitHub.Owner == "" || c.GitHub.Repository == "" {
			return fmt.Errorf("github.owner and github.repository are required when runner.scope is %q", scope)
		}
	default:
		return fmt.Errorf("runner.scope is required (supported: organization, repository)")
	}
	return nil
}

func (c *Config) validateSSH() error {
	if c.SSH.User == "" {
		return fmt.Errorf("ssh.user is required")
	}
	if c.SSH.PrivateKey == "" && c.SSH.PrivateKeyPath == "" && c.SSH.Password == "" {
		return fmt.Errorf("ssh: provide ssh.private_key, ssh.private_key_path or ssh.password")
	}
	if c.SSH.KnownHostsPath == "" && !c.SSH.InsecureIgnoreHostKey {
		return fmt.Errorf("ssh: set ssh.known_hosts_path or ssh.insecure_ignore_host_key")
	}
	switch c.SSH.LaunchMode {
	case ssh.LaunchNohup, ssh.LaunchTerminal:
	default:
		return fmt.Errorf("ssh.launch_mode %q is not supported (supported: nohup, terminal)", c.SSH.LaunchMode)
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d is out of range", c.SSH.Port)
	}
	if c.SSH.KeepAliveInterval < 0 || c.SSH.KeepAliveMaxMissed < 0 {
		return fmt.Errorf("ssh.keepalive_interval and ssh.keepalive_max_missed must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// BaseURL parses github.url.
func (c *Config) BaseURL() (*url.URL, error) {
	u, err := url.ParseRequestURI(c.GitHub.URL)
	if err != nil {
		return nil, fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("github.url: invalid URL %q: missing host", c.GitHub.URL)
	}
	return u, nil
}

// Credentials implements runner.CredentialsSource.
func (c *Config) Credentials() runner.Credentials {
	return runner.Credentials{
		OrganizationName: c.GitHub.Organization,
		OwnerName:        c.GitHub.Owner,
		RepositoryName:   c.GitHub.Repository,
	}
}

// RunnerOptions returns the registration options.  Labels are trimmed
// and joined with commas.
func (c *Config) RunnerOptions() runner.Options {
	labels := make([]string, len(c.Runner.Labels))
	for i, l := range c.Runner.Labels {
		labels[i] = strings.TrimSpace(l)
	}
	return runner.Options{
		Scope:                runner.Scope(c.Runner.Scope),
		Labels:               strings.Join(labels, ","),
		Group:                c.Runner.Group,
		Name:                 c.Runner.Name,
		DisableUpdates:       c.Runner.DisableUpdates,
		DisableDefaultLabels: c.Runner.DisableDefaultLabels,
	}
}

// TargetAddress returns addr with ssh.port appended when it has no port.
func (c *Config) TargetAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(c.SSH.Port))
}

// SupervisorTargets converts targets for the supervisor.
func (c *Config) SupervisorTargets() []supervisor.Target {
	targets := make([]supervisor.Target, len(c.Targets))
	for i, t := range c.Targets {
		targets[i] = supervisor.Target{Name: t.Name, Address: c.TargetAddress(t.Address)}
	}
	return targets
}

// OTelSDKConfig converts the otel section.  prometheus adds the pull
// reader backing /metrics.
func (c *Config) OTelSDKConfig(prometheus bool) otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: prometheus,
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewAPIClient creates the GitHub API client using the configured
// credentials (GitHub App or PAT).
func (c *Config) NewAPIClient(logger *slog.Logger) (*ghapp.Client, error) {
	key, err := readSecret(c.GitHub.App.PrivateKey, c.GitHub.App.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	return ghapp.New(ghapp.Config{
		APIURL:         c.GitHub.APIURL,
		ClientID:       c.GitHub.App.ClientID,
		InstallationID: c.GitHub.App.InstallationID,
		PrivateKey:     key,
		Token:          c.GitHub.Token,
		RunnerOS:       c.Runner.OS,
		RunnerArch:     c.Runner.Arch,
		Credentials:    c,
		Logger:         logger,
	})
}

// NewSSHConfig returns the SSH settings, reading the private key file
// if one is configured.
func (c *Config) NewSSHConfig() (ssh.Config, error) {
	key, err := readSecret(c.SSH.PrivateKey, c.SSH.PrivateKeyPath)
	if err != nil {
		return ssh.Config{}, err
	}
	return ssh.Config{
		User:                  c.SSH.User,
		PrivateKey:            key,
		Password:              c.SSH.Password,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		LaunchMode:            c.SSH.LaunchMode,
		Timeout:               c.SSH.Timeout,
		KeepAliveInterval:     c.SSH.KeepAliveInterval,
		KeepAliveMaxMissed:    c.SSH.KeepAliveMaxMissed,
	}, nil
}

// readSecret returns inline if set, otherwise the contents of path.
func readSecret(inline, path string) ([]byte, error) {
	if inline != "" || path == "" {
		return []byte(inline), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key from %s: %w", path, err)
	}
	return data, nil
}
