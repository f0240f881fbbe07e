package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"famshare/internal/upload"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                 = 8080
	defaultDataDir              = "data"
	defaultDatabaseFile         = "famshare.db"
	defaultUploadURLTTL         = time.Hour
	defaultStorageBackend       = BackendLocal
	defaultStorageRegion        = "us-east-1"
	defaultClientServerURL      = "http://localhost:8080"
	defaultDevelopmentJWTSecret = "famshare-dev-secret"

	TokenEnv = "FAMSHARE_TOKEN"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// Config describes runtime configuration for the server and the upload CLI.
type Config struct {
	Port                 int           `yaml:"port"`
	DataDir              string        `yaml:"data_dir"`
	PublicURL            string        `yaml:"public_url"`
	DatabasePath         string        `yaml:"database_path"`
	JWTSecret            string        `yaml:"jwt_secret"`
	UploadURLTTL         time.Duration `yaml:"upload_url_ttl"`
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads"`
	MaxFileSize          int64         `yaml:"max_file_size"`
	AllowedTypes         []string      `yaml:"allowed_types"`
	Storage              Storage       `yaml:"storage"`
	Client               Client        `yaml:"client"`
}

// Storage selects and configures the object backend.
type Storage struct {
	Backend      string `yaml:"backend"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UseSSL       bool   `yaml:"use_ssl"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Client holds defaults for the upload and get commands.
type Client struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// Default returns the compiled-in configuration: 3 concurrent uploads,
// 100 MiB per file and the canonical MIME allow-list.
func Default() Config {
	return Config{
		Port:                 defaultPort,
		DataDir:              defaultDataDir,
		JWTSecret:            defaultDevelopmentJWTSecret,
		UploadURLTTL:         defaultUploadURLTTL,
		MaxConcurrentUploads: upload.DefaultMaxConcurrent,
		MaxFileSize:          upload.DefaultMaxSize,
		AllowedTypes:         append([]string(nil), upload.DefaultAllowedTypes...),
		Storage: Storage{
			Backend: defaultStorageBackend,
			Region:  defaultStorageRegion,
		},
		Client: Client{ServerURL: defaultClientServerURL},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.normalize()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg.normalize()
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg.normalize()
}

// Limits returns the validator limits derived from this config.
func (c Config) Limits() upload.Limits {
	return upload.Limits{MaxSize: c.MaxFileSize, AllowedTypes: c.AllowedTypes}
}

// UsesDevelopmentSecret reports whether jwt_secret is still the compiled-in
// development value. Tokens signed with it can be minted by anyone.
func (c Config) UsesDevelopmentSecret() bool {
	return c.JWTSecret == defaultDevelopmentJWTSecret
}

// ClientToken returns the configured bearer token, preferring the environment.
func (c Config) ClientToken() string {
	if token := strings.TrimSpace(os.Getenv(TokenEnv)); token != "" {
		return token
	}
	return c.Client.Token
}

func (c Config) normalize() (Config, error) {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, defaultDatabaseFile)
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.UploadURLTTL <= 0 {
		c.UploadURLTTL = defaultUploadURLTTL
	}
	if c.JWTSecret == "" {
		return c, errors.New("jwt_secret must not be empty")
	}
	// values < 1 are not allowed
	if c.MaxConcurrentUploads < 1 {
		return c, fmt.Errorf("invalid max_concurrent_uploads: %d (must be >= 1)", c.MaxConcurrentUploads)
	}
	if c.MaxFileSize < 1 {
		return c, fmt.Errorf("invalid max_file_size: %d (must be >= 1)", c.MaxFileSize)
	}
	c.AllowedTypes = normalizeTypes(c.AllowedTypes)

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaultStorageBackend
	}
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendS3, BackendMinio:
		if c.Storage.Bucket == "" {
			return c, fmt.Errorf("storage.bucket is required for backend %q", c.Storage.Backend)
		}
		if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
			return c, errors.New("storage.access_key and storage.secret_key must be set together")
		}
		// s3 falls back to the default AWS credential chain; minio has none
		if c.Storage.Backend == BackendMinio && c.Storage.AccessKey == "" {
			return c, errors.New("storage.access_key is required for backend \"minio\"")
		}
	default:
		return c, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Region == "" {
		c.Storage.Region = defaultStorageRegion
	}

	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultClientServerURL
	}
	c.Client.ServerURL = strings.TrimRight(c.Client.ServerURL, "/")
	return c, nil
}

func normalizeTypes(in []string) []string {
	if len(in) == 0 {
		return append([]string(nil), upload.DefaultAllowedTypes...)
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, t := range in {
		t = upload.NormalizeType(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		normalized = append(normalized, t)
	}
	return normalized
}
