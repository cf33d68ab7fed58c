// Package config loads the orchestrator's configuration. A Config is built
// once at startup and shared read-only by every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to upper-cased keys when reading overrides from
// the environment, e.g. ETES_API_KEY.
const EnvPrefix = "ETES_"

const (
	defaultTitle            = "etes"
	defaultListenAddr       = "127.0.0.1:3000"
	defaultProxyAddr        = "127.0.0.1:3001"
	defaultDataDir          = "."
	defaultPortMin          = 10000
	defaultPortMax          = 19999
	defaultReadinessTimeout = 10 * time.Second
	defaultProbeInterval    = time.Second
	defaultGracePeriod      = 10 * time.Second
	defaultReapInterval     = 5 * time.Second
	defaultRefreshInterval  = 5 * time.Minute
	defaultUpstreamTimeout  = 30 * time.Second
	defaultMemoryInterval   = 10 * time.Second
	defaultAuditRetention   = 90 * 24 * time.Hour
	defaultProbe            = "tcp"
	defaultProbePath        = "/"
	defaultLogLevel         = "info"
	defaultMaxUploadBytes   = 1 << 30
)

var defaultWords = []string{
	"amber", "brave", "cedar", "delta", "ember", "fable", "glade", "harbor",
	"iris", "jolly", "koala", "lunar", "maple", "noble", "ocean", "pine",
	"quartz", "raven", "sable", "tiger", "umber", "vivid", "willow", "zephyr",
}

// Config holds every setting the orchestrator reads. Field names match the
// YAML keys; durations accept Go duration strings ("10s", "5m").
type Config struct {
	Title   string   `yaml:"title"`
	Favicon string   `yaml:"favicon"`
	Words   []string `yaml:"words"`

	Admins               []string `yaml:"admins"`
	AdminCaseInsensitive bool     `yaml:"admin_case_insensitive"`

	GitHubToken        string `yaml:"github_token"`
	GitHubOwner        string `yaml:"github_owner"`
	GitHubRepo         string `yaml:"github_repo"`
	GitHubClientID     string `yaml:"github_client_id"`
	GitHubClientSecret string `yaml:"github_client_secret"`
	GitHubAPIURL       string `yaml:"github_api_url"`
	AuthorizeURL       string `yaml:"authorize_url"`

	SessionKey string `yaml:"session_key"`
	APIKey     string `yaml:"api_key"`

	// MaxUploadBytes caps the decoded size of an uploaded executable.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// CommandArgs is the argument template for managed executables. Each
	// "{port}" is replaced with the service's assigned port.
	CommandArgs []string `yaml:"command_args"`

	ListenAddr string `yaml:"listen_addr"`
	ProxyAddr  string `yaml:"proxy_addr"`
	BaseDomain string `yaml:"base_domain"`
	PublicURL  string `yaml:"public_url"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	DataDir    string `yaml:"data_dir"`

	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	Probe            string        `yaml:"probe"`
	ProbePath        string        `yaml:"probe_path"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	MemoryInterval   time.Duration `yaml:"memory_interval"`
	AuditRetention   time.Duration `yaml:"audit_retention"`

	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML file at path (a missing file is allowed), applies
// environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ETES_<YAML_KEY> variables. Lists are
// space separated.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		raw, ok := lookup(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		field := v.Field(i)
		switch field.Interface().(type) {
		case string:
			field.SetString(raw)
		case []string:
			field.Set(reflect.ValueOf(strings.Fields(raw)))
		case bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			field.SetBool(b)
		case int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			field.SetInt(int64(n))
		case int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			field.SetInt(n)
		case time.Duration:
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err)
			}
			field.SetInt(int64(d))
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Title == "" {
		c.Title = defaultTitle
	}
	if len(c.Words) == 0 {
		c.Words = append([]string(nil), defaultWords...)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.ProxyAddr == "" {
		c.ProxyAddr = defaultProxyAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.PortMin == 0 {
		c.PortMin = defaultPortMin
	}
	if c.PortMax == 0 {
		c.PortMax = defaultPortMax
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = defaultReadinessTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.Probe == "" {
		c.Probe = defaultProbe
	}
	if c.ProbePath == "" {
		c.ProbePath = defaultProbePath
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
	if c.MemoryInterval == 0 {
		c.MemoryInterval = defaultMemoryInterval
	}
	if c.AuditRetention == 0 {
		c.AuditRetention = defaultAuditRetention
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports the first setting that would prevent the orchestrator
// from running.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key must be set")
	}
	if c.SessionKey == "" {
		return errors.New("session_key must be set")
	}
	if len(c.CommandArgs) == 0 {
		return errors.New("command_args must contain at least one argument")
	}
	if c.PortMin <= 0 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range: %d-%d", c.PortMin, c.PortMax)
	}
	if c.ListenAddr == c.ProxyAddr {
		return fmt.Errorf("listen_addr and proxy_addr must differ (both %s)", c.ListenAddr)
	}
	if c.Probe != "tcp" && c.Probe != "http" {
		return fmt.Errorf("probe must be tcp or http, got %q", c.Probe)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if len(c.Words) < 3 {
		return errors.New("words must contain at least three entries")
	}
	return nil
}

// IsAdmin reports whether login is in the admin list.
func (c *Config) IsAdmin(login string) bool {
	if login == "" {
		return false
	}
	for _, admin := range c.Admins {
		if admin == login || (c.AdminCaseInsensitive && strings.EqualFold(admin, login)) {
			return true
		}
	}
	return false
}

// BaseURL is the control panel URL handed to clients.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://" + c.ListenAddr
}

// ServiceURL is the address at which the named service is reachable through
// the subdomain router.
func (c *Config) ServiceURL(name string) string {
	scheme := "http"
	if c.CertFile != "" {
		scheme = "https"
	}
	host := c.BaseDomain
	if host == "" {
		host = c.ProxyAddr
	}
	return fmt.Sprintf("%s://%s.%s", scheme, name, host)
}

// GitHubEnabled reports whether upstream credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubToken != "" && c.GitHubOwner != "" && c.GitHubRepo != ""
}

// OAuthEnabled reports whether operators can sign in.
func (c *Config) OAuthEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}
