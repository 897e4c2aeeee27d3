package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config mirrors the rangeproxy.yaml schema. All values should be supplied
// via YAML; Load fills in documented defaults for anything left empty.
type Config struct {
	Version     int         `yaml:"version"`
	General     General     `yaml:"general"`
	Network     Network     `yaml:"network"`
	Concurrency Concurrency `yaml:"concurrency"`
	Proxy       Proxy       `yaml:"proxy"`
	CA          CA          `yaml:"ca"`
	MFC         MFC         `yaml:"mfc"`
	Gradle      Gradle      `yaml:"gradle"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
	History     History     `yaml:"history"`
}

type General struct {
	DataRoot  string `yaml:"data_root"`
	CacheRoot string `yaml:"cache_root"`
}

type Network struct {
	HeadTimeoutSeconds   int    `yaml:"head_timeout_seconds"`
	ChunkConnectSeconds  int    `yaml:"chunk_connect_seconds"`
	ChunkReadSeconds     int    `yaml:"chunk_read_seconds"`
	SocketTimeoutSeconds int    `yaml:"socket_timeout_seconds"`
	UserAgent            string `yaml:"user_agent"`
}

// Concurrency governs the range downloader's worker pool and retry policy.
type Concurrency struct {
	MaxThreads  int `yaml:"max_threads"`           // workers per chunk schedule
	MaxChunkMB  int `yaml:"max_chunk_mb"`           // chunk size ceiling
	MaxRetries  int `yaml:"max_retries"`            // per-chunk retry budget
	MultipartMB int `yaml:"multipart_threshold_mb"` // size at or above which chunking kicks in
}

type Proxy struct {
	BindHost   string `yaml:"bind_host"`
	HTTPPort   int    `yaml:"http_port"`
	CRLPort    int    `yaml:"crl_port"`
	SOCKS5Port int    `yaml:"socks5_port"`
}

type CA struct {
	CertFile            string   `yaml:"cert_file"`
	KeyFile             string   `yaml:"key_file"`
	CRLFile             string   `yaml:"crl_file"`
	LeafKeyMode         string   `yaml:"leaf_key_mode"` // shared | fresh
	AlwaysAppendDomains []string `yaml:"always_append_domains"`
}

type MFC struct {
	Path string `yaml:"path"`
}

type Gradle struct {
	PropertiesPath string `yaml:"properties_path"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // human|json
}

type Metrics struct {
	PrometheusTextfile PromTextfile `yaml:"prometheus_textfile"`
}

type PromTextfile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type History struct {
	Dir              string `yaml:"dir"`
	DumpIntervalSecs int    `yaml:"dump_interval_seconds"`
}

// Load reads, parses, expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	expanded, err := expandTilde(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	// Expand ${ENV} placeholders before unmarshalling.
	b = []byte(os.ExpandEnv(string(b)))
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.expandPaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns a Config with every documented default filled in, for
// callers that don't author a YAML file (tests, ad hoc tool invocations).
func Default() *Config {
	c := &Config{Version: 1}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.General.DataRoot == "" {
		c.General.DataRoot = "."
	}
	if c.General.CacheRoot == "" {
		c.General.CacheRoot = ".cache"
	}
	if c.Network.HeadTimeoutSeconds == 0 {
		c.Network.HeadTimeoutSeconds = 10
	}
	if c.Network.ChunkConnectSeconds == 0 {
		c.Network.ChunkConnectSeconds = 5
	}
	if c.Network.ChunkReadSeconds == 0 {
		c.Network.ChunkReadSeconds = 30
	}
	if c.Network.SocketTimeoutSeconds == 0 {
		c.Network.SocketTimeoutSeconds = 30
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = "rangeproxy"
	}
	if c.Concurrency.MaxThreads == 0 {
		c.Concurrency.MaxThreads = 32
	}
	if c.Concurrency.MaxChunkMB == 0 {
		c.Concurrency.MaxChunkMB = 8
	}
	if c.Concurrency.MaxRetries == 0 {
		c.Concurrency.MaxRetries = 3
	}
	if c.Concurrency.MultipartMB == 0 {
		c.Concurrency.MultipartMB = 1
	}
	if c.Proxy.BindHost == "" {
		c.Proxy.BindHost = "127.0.0.1"
	}
	if c.Proxy.HTTPPort == 0 {
		c.Proxy.HTTPPort = 27579
	}
	if c.Proxy.CRLPort == 0 {
		c.Proxy.CRLPort = 27580
	}
	if c.Proxy.SOCKS5Port == 0 {
		c.Proxy.SOCKS5Port = 27581
	}
	if c.CA.CertFile == "" {
		c.CA.CertFile = "ca_server.crt"
	}
	if c.CA.KeyFile == "" {
		c.CA.KeyFile = "ca_server.key"
	}
	if c.CA.CRLFile == "" {
		c.CA.CRLFile = "crl.pem"
	}
	if c.CA.LeafKeyMode == "" {
		c.CA.LeafKeyMode = "shared"
	}
	if c.MFC.Path == "" {
		c.MFC.Path = "mfc.yaml"
	}
	if c.Gradle.PropertiesPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		gradleHome := os.Getenv("GRADLE_USER_HOME")
		if gradleHome == "" {
			gradleHome = filepath.Join(home, ".gradle")
		}
		c.Gradle.PropertiesPath = filepath.Join(gradleHome, "gradle.properties")
	}
	if c.History.Dir == "" {
		c.History.Dir = "log"
	}
	if c.History.DumpIntervalSecs == 0 {
		c.History.DumpIntervalSecs = 300
	}
}

func (c *Config) expandPaths() error {
	var err error
	if c.General.DataRoot, err = expandTilde(c.General.DataRoot); err != nil {
		return err
	}
	if c.General.CacheRoot, err = expandTilde(c.General.CacheRoot); err != nil {
		return err
	}
	if c.CA.CertFile, err = expandTilde(c.CA.CertFile); err != nil {
		return err
	}
	if c.CA.KeyFile, err = expandTilde(c.CA.KeyFile); err != nil {
		return err
	}
	if c.CA.CRLFile, err = expandTilde(c.CA.CRLFile); err != nil {
		return err
	}
	if c.MFC.Path, err = expandTilde(c.MFC.Path); err != nil {
		return err
	}
	if c.Gradle.PropertiesPath, err = expandTilde(c.Gradle.PropertiesPath); err != nil {
		return err
	}
	if c.History.Dir, err = expandTilde(c.History.Dir); err != nil {
		return err
	}
	if c.Metrics.PrometheusTextfile.Path, err = expandTilde(c.Metrics.PrometheusTextfile.Path); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.General.CacheRoot == "" {
		return errors.New("general.cache_root is required")
	}
	switch stringsLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level invalid: %s", c.Logging.Level)
	}
	switch stringsLower(c.Logging.Format) {
	case "", "human", "json":
	default:
		return fmt.Errorf("logging.format invalid: %s", c.Logging.Format)
	}
	switch stringsLower(c.CA.LeafKeyMode) {
	case "shared", "fresh":
	default:
		return fmt.Errorf("ca.leaf_key_mode must be shared or fresh, got %q", c.CA.LeafKeyMode)
	}
	if c.Concurrency.MaxThreads < 1 {
		return errors.New("concurrency.max_threads must be >= 1")
	}
	if c.Concurrency.MaxRetries < 1 {
		return errors.New("concurrency.max_retries must be >= 1")
	}
	if c.Proxy.HTTPPort == c.Proxy.CRLPort || c.Proxy.HTTPPort == c.Proxy.SOCKS5Port || c.Proxy.CRLPort == c.Proxy.SOCKS5Port {
		return errors.New("proxy ports must be distinct")
	}
	return nil
}

func expandTilde(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p[0] != '~' {
		return p, nil
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return h, nil
	}
	return filepath.Join(h, p[2:]), nil
}

func stringsLower(s string) string {
	b := []byte(s)
	for i := range b {
		if 'A' <= b[i] && b[i] <= 'Z' {
			b[i] = b[i] + 32
		}
	}
	return string(b)
}

// EnsureDir creates path (and parents) if it doesn't already exist.
func EnsureDir(path string, perm fs.FileMode) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, perm)
}
