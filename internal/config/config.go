package config

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "defectline.yml"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultAdminPassword = "sigma123"
)

// Config models defectline.yml.
type Config struct {
	Admin struct {
		Hash string `yaml:"hash" json:"hash"`
	} `yaml:"admin" json:"admin"`
	Store struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	} `yaml:"store" json:"store"`
	Audit struct {
		File string `yaml:"file" json:"file"`
	} `yaml:"audit" json:"audit"`
	Server struct {
		Addr      string `yaml:"addr" json:"addr"`
		BasePath  string `yaml:"base_path" json:"base_path"`
		JWTSecret string `yaml:"jwt_secret,omitempty" json:"-"`
	} `yaml:"server" json:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with defectline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// EnsureDefault loads the workspace config, writing the default file first
// when none exists.
func EnsureDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil || cfg != nil {
		return cfg, err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o600); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return Default(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Admin.Hash == "" {
		return errors.New("config.admin.hash is required")
	}
	if _, err := hex.DecodeString(c.Admin.Hash); err != nil || len(c.Admin.Hash) != sha256.Size*2 {
		return errors.New("config.admin.hash must be a hex sha256 digest")
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("config.store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.store.driver must be %s or %s", DriverSQLite, DriverPostgres)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.New("config.server.base_path must start with /")
	}
	return nil
}

// Property is the key/value view of the config used by callers that only need
// a single setting, e.g. "admin.hash".
func (c *Config) Property(key string) string {
	if c == nil {
		return ""
	}
	switch key {
	case "admin.hash":
		return c.Admin.Hash
	case "store.driver":
		return c.Store.Driver
	case "store.dsn":
		return c.Store.DSN
	case "audit.file":
		return c.Audit.File
	case "server.addr":
		return c.Server.Addr
	case "server.base_path":
		return c.Server.BasePath
	case "server.jwt_secret":
		return c.Server.JWTSecret
	default:
		return ""
	}
}

// CheckAdminPassword compares password against the configured admin hash.
func (c *Config) CheckAdminPassword(password string) bool {
	want := c.Property("admin.hash")
	if want == "" {
		return false
	}
	got := HashPassword(password)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(want)), []byte(got)) == 1
}

// HashPassword returns the hex sha256 digest stored as admin.hash.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return fmt.Sprintf(defaultTemplate, HashPassword(DefaultAdminPassword))
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault())).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing optional
// sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `admin:
  # sha256 of the manager password (default: sigma123)
  hash: %s

store:
  # sqlite keeps state in .defectline/defects.db; postgres needs dsn
  driver: sqlite

audit:
  file: .defectline/audit.log

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
