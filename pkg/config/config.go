package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/lkarlslund/chatgate/pkg/models"
	"github.com/lkarlslund/chatgate/pkg/normalize"
	"github.com/lkarlslund/chatgate/pkg/relay"
	"github.com/lkarlslund/chatgate/pkg/upstream"
)

const (
	defaultConfigFileName = "chatgate.toml"
	defaultTokenEnv       = "HF_TOKEN"
	maxTemperature        = 2.0
)

// Environment variables layered over the config file.
const (
	EnvUpstreamToken = "CHATGATE_UPSTREAM_TOKEN"
	EnvPort          = "PORT"
	EnvListenAddr    = "CHATGATE_LISTEN_ADDR"
	EnvUpstreamURL   = "CHATGATE_UPSTREAM_URL"
	EnvResponseMode  = "CHATGATE_RESPONSE_MODE"
	EnvAllowOrigin   = "CHATGATE_ALLOW_ORIGIN"
	EnvLogLevel      = "CHATGATE_LOG_LEVEL"
	EnvLogFormat     = "CHATGATE_LOG_FORMAT"
)

type UpstreamConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
	// Token is normally left empty and read from TokenEnv.
	Token          string `toml:"token,omitempty" yaml:"token,omitempty"`
	TokenEnv       string `toml:"token_env" yaml:"token_env"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

type CORSConfig struct {
	AllowOrigin string `toml:"allow_origin" yaml:"allow_origin"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
	Domain     string `toml:"domain" yaml:"domain"`
	Email      string `toml:"email" yaml:"email"`
	CacheDir   string `toml:"cache_dir" yaml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr   string         `toml:"listen_addr" yaml:"listen_addr"`
	LogLevel     string         `toml:"log_level" yaml:"log_level"`
	LogFormat    string         `toml:"log_format" yaml:"log_format"`
	ResponseMode string         `toml:"response_mode" yaml:"response_mode"`
	DefaultAlias string         `toml:"default_alias" yaml:"default_alias"`
	MaxTokens    int            `toml:"max_tokens" yaml:"max_tokens"`
	Temperature  *float64       `toml:"temperature,omitempty" yaml:"temperature,omitempty"`
	Models       []models.Entry `toml:"models" yaml:"models"`
	Upstream     UpstreamConfig `toml:"upstream" yaml:"upstream"`
	CORS         CORSConfig     `toml:"cors" yaml:"cors"`
	TLS          TLSConfig      `toml:"tls" yaml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatgate", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatgate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		ResponseMode: string(relay.ModeCompletion),
		DefaultAlias: models.DefaultAlias,
		MaxTokens:    normalize.DefaultMaxTokens,
		Models:       models.DefaultEntries(),
		Upstream: UpstreamConfig{
			BaseURL:        upstream.DefaultBaseURL,
			TokenEnv:       defaultTokenEnv,
			TimeoutSeconds: int(upstream.DefaultTimeout / time.Second),
		},
		CORS: CORSConfig{
			AllowOrigin: "*",
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig reads a TOML file, or YAML when the extension is .yaml
// or .yml, on top of the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := unmarshal(path, b, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerConfigOrDefault behaves like LoadServerConfig but returns the
// defaults when path does not exist.
func LoadServerConfigOrDefault(path string) (*ServerConfig, bool, error) {
	cfg, err := LoadServerConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = NewDefaultServerConfig()
		cfg.Normalize()
		return cfg, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func unmarshal(path string, b []byte, cfg *ServerConfig) error {
	// A [[models]] table replaces the built-in one instead of extending it.
	cfg.Models = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse toml: %w", err)
		}
	}
	return nil
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, cfg)
}

func writeAtomic(path string, cfg *ServerConfig) error {
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	default:
		b, err = marshalTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is only
// an error when required is true.
func LoadDotEnv(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on the config. lookup is usually
// os.LookupEnv.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}
	tokenEnv := strings.TrimSpace(c.Upstream.TokenEnv)
	if tokenEnv == "" {
		tokenEnv = defaultTokenEnv
	}
	if v := get(tokenEnv); v != "" {
		c.Upstream.Token = v
	} else if v := get(EnvUpstreamToken); v != "" {
		c.Upstream.Token = v
	}
	if v := get(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := get(EnvPort); v != "" {
		c.ListenAddr = withPort(c.ListenAddr, v)
	}
	if v := get(EnvUpstreamURL); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := get(EnvResponseMode); v != "" {
		c.ResponseMode = v
	}
	if v := get(EnvAllowOrigin); v != "" {
		c.CORS.AllowOrigin = v
	}
	if v := get(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := get(EnvLogFormat); v != "" {
		c.LogFormat = v
	}
}

// withPort keeps the host part of addr and replaces its port.
func withPort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port)
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.ResponseMode = strings.ToLower(strings.TrimSpace(c.ResponseMode))
	if c.ResponseMode == "" {
		c.ResponseMode = string(relay.ModeCompletion)
	}
	c.DefaultAlias = strings.TrimSpace(c.DefaultAlias)
	if c.DefaultAlias == "" {
		c.DefaultAlias = models.DefaultAlias
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = normalize.DefaultMaxTokens
	}
	if len(c.Models) == 0 {
		c.Models = models.DefaultEntries()
	}
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = upstream.DefaultBaseURL
	}
	c.Upstream.Token = strings.TrimSpace(c.Upstream.Token)
	c.Upstream.TokenEnv = strings.TrimSpace(c.Upstream.TokenEnv)
	if c.Upstream.TokenEnv == "" {
		c.Upstream.TokenEnv = defaultTokenEnv
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = int(upstream.DefaultTimeout / time.Second)
	}
	c.CORS.AllowOrigin = strings.TrimSpace(c.CORS.AllowOrigin)
	if c.CORS.AllowOrigin == "" {
		c.CORS.AllowOrigin = "*"
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if _, err := relay.ParseMode(c.ResponseMode); err != nil {
		return err
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > maxTemperature) {
		return fmt.Errorf("temperature must be between 0 and %g", maxTemperature)
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return errors.New("upstream.timeout_seconds must be positive")
	}
	return nil
}

func (c *ServerConfig) Registry() (*models.Registry, error) {
	r, err := models.NewRegistry(c.Models, c.DefaultAlias)
	if err != nil {
		return nil, fmt.Errorf("model table: %w", err)
	}
	return r, nil
}

func (c *ServerConfig) Mode() relay.Mode {
	mode, err := relay.ParseMode(c.ResponseMode)
	if err != nil {
		return relay.ModeCompletion
	}
	return mode
}

func (c *ServerConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

func (c *ServerConfig) NormalizeDefaults() normalize.Defaults {
	d := normalize.Defaults{MaxTokens: c.MaxTokens}
	if c.Temperature != nil {
		t := *c.Temperature
		d.Temperature = &t
	}
	return d
}

func (c *ServerConfig) UpstreamConfig() upstream.Config {
	return upstream.Config{
		BaseURL:   c.Upstream.BaseURL,
		Token:     c.Upstream.Token,
		TokenName: c.Upstream.TokenEnv,
		Timeout:   c.UpstreamTimeout(),
	}
}

// String renders the config as TOML with the upstream token redacted.
func (c *ServerConfig) String() string {
	redacted := *c
	if redacted.Upstream.Token != "" {
		redacted.Upstream.Token = "REDACTED"
	}
	b, err := marshalTOML(&redacted)
	if err != nil {
		return "<invalid config: " + strconv.Quote(err.Error()) + ">"
	}
	return string(b)
}
