// Package config loads the redirection settings for a host process. The
// canonical format is a flat key=value file, with yaml and toml accepted by
// extension; a missing file is fine, env-only setups stay supported.
package config

import (
	"bytes"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-pkgz/stringutils"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	locationEnv     = "PLEX_PG_CONFIG"
	defaultLocation = "/etc/plex_pg.conf"

	// DefaultLogFile is where the shim logs when log_file is not set.
	DefaultLogFile = "/tmp/plex_redirect_pg.log"

	defaultRedirects   = "com.plexapp.plugins.library.db:com.plexapp.plugins.library.blobs.db"
	defaultMaxConns    = 16
	maxConnsLimit      = 64
	defaultIdleTimeout = 300
	defaultCacheTTL    = 1000
)

// SecretsProvider defines interface for secrets providers resolving external
// password references.
type SecretsProvider interface {
	Get(key string) (string, error)
}

// Settings defines the redirection configuration.
type Settings struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Database       string `yaml:"database" toml:"database"`
	User           string `yaml:"user" toml:"user"`
	Password       string `yaml:"password" toml:"password"`
	Schema         string `yaml:"schema" toml:"schema"`
	RedirectPaths  string `yaml:"redirect_paths" toml:"redirect_paths"`
	ReadEnabled    bool   `yaml:"read_enabled" toml:"read_enabled"`
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	LogFile        string `yaml:"log_file" toml:"log_file"`
	MaxConnections int    `yaml:"max_connections" toml:"max_connections"`
	IdleTimeoutS   int    `yaml:"idle_timeout_s" toml:"idle_timeout_s"`
	CacheTTLMs     int    `yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`

	redirects []string // parsed redirect basenames
}

// Location returns the config file path, PLEX_PG_CONFIG wins over the default.
func Location() string {
	if loc := os.Getenv(locationEnv); loc != "" {
		return loc
	}
	return defaultLocation
}

// New loads settings from fname and applies env overrides on top of file
// values. If the file does not exist the defaults plus env are used; a file
// that exists but fails to parse is an error. The password may reference an
// external secret, resolved through the provided SecretsProvider.
func New(fname string, secProvider SecretsProvider) (*Settings, error) {
	res := &Settings{
		Host:           "localhost",
		Port:           5432,
		Database:       "plex",
		User:           "plex",
		Schema:         "plex",
		RedirectPaths:  defaultRedirects,
		ReadEnabled:    true,
		LogLevel:       "info",
		LogFile:        DefaultLogFile,
		MaxConnections: defaultMaxConns,
		IdleTimeoutS:   defaultIdleTimeout,
		CacheTTLMs:     defaultCacheTTL,
	}

	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		log.Printf("[DEBUG] no config file %s found", fname)
	} else {
		if err = unmarshalSettings(fname, data, res); err != nil {
			return nil, fmt.Errorf("can't unmarshal config %s: %w", fname, err)
		}
	}

	if err = res.applyEnv(); err != nil {
		return nil, err
	}
	if err = res.resolvePassword(secProvider); err != nil {
		return nil, err
	}
	if err = res.checkConfig(); err != nil {
		return nil, fmt.Errorf("config %s is invalid: %w", fname, err)
	}

	log.Printf("[INFO] server config: %s@%s:%d/%s (schema: %s)",
		res.User, res.Host, res.Port, res.Database, res.Schema)
	return res, nil
}

// unmarshalSettings picks the parser by extension, everything but yml/yaml and
// toml goes through the flat key=value parser.
func unmarshalSettings(fname string, data []byte, res *Settings) error {
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml"):
		yamlDecoder := yaml.NewDecoder(bytes.NewReader(data))
		yamlDecoder.KnownFields(true) // strict mode, fail on unknown fields
		if err := yamlDecoder.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal yaml config: %w", err)
		}
	case strings.HasSuffix(fname, ".toml"):
		if err := toml.Unmarshal(data, res); err != nil {
			return fmt.Errorf("can't unmarshal toml config: %w", err)
		}
	default:
		if err := parseFlat(data, res); err != nil {
			return err
		}
	}
	return nil
}

// parseFlat reads the canonical key=value format, # and ; comment lines.
func parseFlat(data []byte, res *Settings) error {
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("can't parse line %d: %q", i+1, line)
		}
		if err := res.set(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Settings) set(key, val string) (err error) {
	atoi := func(v string) (res int) {
		if res, err = strconv.Atoi(v); err != nil {
			err = fmt.Errorf("can't parse %s value %q: %w", key, v, err)
		}
		return res
	}
	switch key {
	case "host":
		s.Host = val
	case "port":
		s.Port = atoi(val)
	case "database":
		s.Database = val
	case "user":
		s.User = val
	case "password":
		s.Password = val
	case "schema":
		s.Schema = val
	case "redirect_paths":
		s.RedirectPaths = val
	case "read_enabled":
		s.ReadEnabled = parseBool(val)
	case "log_level":
		s.LogLevel = strings.ToLower(val)
	case "log_file":
		s.LogFile = val
	case "max_connections":
		s.MaxConnections = atoi(val)
	case "idle_timeout_s":
		s.IdleTimeoutS = atoi(val)
	case "cache_ttl_ms":
		s.CacheTTLMs = atoi(val)
	default:
		log.Printf("[WARN] unknown config key %q ignored", key)
	}
	return err
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// applyEnv overlays the environment variables the original deployments used.
func (s *Settings) applyEnv() error {
	if v := os.Getenv("PLEX_PG_HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("PLEX_PG_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("can't parse PLEX_PG_PORT %q: %w", v, err)
		}
		s.Port = port
	}
	if v := os.Getenv("PLEX_PG_DATABASE"); v != "" {
		s.Database = v
	}
	if v := os.Getenv("PLEX_PG_USER"); v != "" {
		s.User = v
	}
	if v := os.Getenv("PLEX_PG_PASSWORD"); v != "" {
		s.Password = v
	}
	if v := os.Getenv("PLEX_PG_SCHEMA"); v != "" {
		s.Schema = v
	}
	if v := os.Getenv("PLEX_PG_LOG_LEVEL"); v != "" {
		s.LogLevel = strings.ToLower(v)
	}
	return nil
}

var secretSchemes = []string{"secret://", "vault://", "aws://", "ansible://"}

// resolvePassword replaces a scheme-prefixed password reference with the value
// from the secrets provider.
func (s *Settings) resolvePassword(provider SecretsProvider) error {
	ref := s.Password
	isRef := false
	for _, sch := range secretSchemes {
		if strings.HasPrefix(ref, sch) {
			isRef = true
			break
		}
	}
	if !isRef {
		return nil
	}
	if provider == nil {
		return fmt.Errorf("password %q needs a secrets provider, none is set", ref)
	}
	val, err := provider.Get(ref)
	if err != nil {
		return fmt.Errorf("can't resolve password %q: %w", ref, err)
	}
	s.Password = val
	return nil
}

// checkConfig validates levels and limits and parses the redirect list.
func (s *Settings) checkConfig() error {
	if !stringutils.Contains(s.LogLevel, []string{"error", "info", "debug"}) {
		return fmt.Errorf("unknown log_level %q", s.LogLevel)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = defaultMaxConns
	}
	if s.MaxConnections > maxConnsLimit {
		log.Printf("[WARN] max_connections %d clamped to %d", s.MaxConnections, maxConnsLimit)
		s.MaxConnections = maxConnsLimit
	}
	if s.IdleTimeoutS <= 0 {
		s.IdleTimeoutS = defaultIdleTimeout
	}
	if s.CacheTTLMs <= 0 {
		s.CacheTTLMs = defaultCacheTTL
	}

	var names []string
	for _, p := range strings.Split(s.RedirectPaths, ":") {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, filepath.Base(p))
		}
	}
	s.redirects = stringutils.DeDup(names)
	if len(s.redirects) == 0 {
		log.Printf("[WARN] empty redirect_paths, nothing will be redirected")
	}
	return nil
}

// ShouldRedirect reports whether the database file at path is served by the
// server engine. Matching is by basename so the same list covers any library
// location.
func (s *Settings) ShouldRedirect(path string) bool {
	if path == "" {
		return false
	}
	return stringutils.Contains(filepath.Base(path), s.redirects)
}

// Redirects returns the parsed redirect basenames.
func (s *Settings) Redirects() []string {
	res := make([]string, len(s.redirects))
	copy(res, s.redirects)
	return res
}

// ConnString builds the server connection URL.
func (s *Settings) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.User, s.Password),
		Host:     fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:     s.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
