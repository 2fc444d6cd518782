package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig    `yaml:"logging"`
	Encryption EncryptionConfig `yaml:"encryption"`
	KeyStore   KeyStoreConfig   `yaml:"keystore"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	TLS        TLSConfig        `yaml:"tls"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOG_ACCESS_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOG_REDACT_HEADERS"`
}

// EncryptionConfig holds encryption module settings.
type EncryptionConfig struct {
	Cipher             string `yaml:"cipher" env:"ENCRYPTION_CIPHER"`
	LegacyEncoding     bool   `yaml:"legacy_encoding" env:"ENCRYPTION_LEGACY_ENCODING"`
	SupportLegacy      bool   `yaml:"support_legacy" env:"ENCRYPTION_SUPPORT_LEGACY"`
	SkipSignatureCheck bool   `yaml:"skip_signature_check" env:"ENCRYPTION_SKIP_SIGNATURE_CHECK"`
	UseMasterKey       bool   `yaml:"use_master_key" env:"ENCRYPTION_USE_MASTER_KEY"`
	MasterKeyID        string `yaml:"master_key_id" env:"ENCRYPTION_MASTER_KEY_ID"`
	// MasterKeyPassword unlocks the master key at startup.
	MasterKeyPassword string `yaml:"master_key_password" env:"ENCRYPTION_MASTER_KEY_PASSWORD"`
	RecoveryKeyID     string `yaml:"recovery_key_id" env:"ENCRYPTION_RECOVERY_KEY_ID"`
	PublicShareKeyID  string `yaml:"public_share_key_id" env:"ENCRYPTION_PUBLIC_SHARE_KEY_ID"`
	InstanceID        string `yaml:"instance_id" env:"ENCRYPTION_INSTANCE_ID"`
	InstanceSecret    string `yaml:"instance_secret" env:"ENCRYPTION_INSTANCE_SECRET"`
	// RecoveryKeyPassword and PublicShareKeyPassword unlock the system keys
	// at startup when their ids are set.
	RecoveryKeyPassword    string `yaml:"recovery_key_password" env:"ENCRYPTION_RECOVERY_KEY_PASSWORD"`
	PublicShareKeyPassword string `yaml:"public_share_key_password" env:"ENCRYPTION_PUBLIC_SHARE_KEY_PASSWORD"`
	// ExcludePatterns are globs of paths stored unencrypted.
	ExcludePatterns []string `yaml:"exclude_patterns" env:"ENCRYPTION_EXCLUDE_PATTERNS"`
	// PolicyFiles are globs of policy files overriding encryption per path.
	PolicyFiles []string `yaml:"policy_files" env:"ENCRYPTION_POLICY_FILES"`
	RSABits     int      `yaml:"rsa_bits" env:"ENCRYPTION_RSA_BITS"`
}

// KeyStoreConfig selects where key material is persisted.
type KeyStoreConfig struct {
	Driver string `yaml:"driver" env:"KEYSTORE_DRIVER"` // memory, sqlite
	DSN    string `yaml:"dsn" env:"KEYSTORE_DSN"`
}

// StorageConfig selects where file content is persisted.
type StorageConfig struct {
	Driver       string `yaml:"driver" env:"STORAGE_DRIVER"` // filesystem, s3
	Root         string `yaml:"root" env:"STORAGE_ROOT"`
	Bucket       string `yaml:"bucket" env:"STORAGE_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_PREFIX"`
	Endpoint     string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region       string `yaml:"region" env:"STORAGE_REGION"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	// MaxUploadBytes caps the size of a single uploaded file.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"SERVER_MAX_UPLOAD_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig configures the public key cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-sharecrypt-password"},
		},
		Encryption: EncryptionConfig{
			Cipher:        "AES-256-CTR",
			SupportLegacy: true,
			MasterKeyID:   "master",
			RSABits:       4096,
		},
		KeyStore: KeyStoreConfig{
			Driver: "memory",
		},
		Storage: StorageConfig{
			Driver: "filesystem",
			Root:   "./data",
			Region: "us-east-1",
		},
		Server: ServerConfig{
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxUploadBytes:    5 << 30,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10 * 1024 * 1024,
			MaxItems:   10000,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "sharecrypt",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	if config.Encryption.InstanceID == "" {
		config.Encryption.InstanceID = uuid.NewString()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadConfig applies defaults, the file and the environment without
// validating.
func loadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)
	return config, nil
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = n
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOG_ACCESS_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOG_REDACT_HEADERS", &config.Logging.RedactHeaders)

	enc := &config.Encryption
	envString("ENCRYPTION_CIPHER", &enc.Cipher)
	envBool("ENCRYPTION_LEGACY_ENCODING", &enc.LegacyEncoding)
	envBool("ENCRYPTION_SUPPORT_LEGACY", &enc.SupportLegacy)
	envBool("ENCRYPTION_SKIP_SIGNATURE_CHECK", &enc.SkipSignatureCheck)
	envBool("ENCRYPTION_USE_MASTER_KEY", &enc.UseMasterKey)
	envString("ENCRYPTION_MASTER_KEY_ID", &enc.MasterKeyID)
	envString("ENCRYPTION_MASTER_KEY_PASSWORD", &enc.MasterKeyPassword)
	envString("ENCRYPTION_RECOVERY_KEY_ID", &enc.RecoveryKeyID)
	envString("ENCRYPTION_PUBLIC_SHARE_KEY_ID", &enc.PublicShareKeyID)
	envString("ENCRYPTION_RECOVERY_KEY_PASSWORD", &enc.RecoveryKeyPassword)
	envString("ENCRYPTION_PUBLIC_SHARE_KEY_PASSWORD", &enc.PublicShareKeyPassword)
	envString("ENCRYPTION_INSTANCE_ID", &enc.InstanceID)
	envString("ENCRYPTION_INSTANCE_SECRET", &enc.InstanceSecret)
	envList("ENCRYPTION_EXCLUDE_PATTERNS", &enc.ExcludePatterns)
	envList("ENCRYPTION_POLICY_FILES", &enc.PolicyFiles)
	envInt("ENCRYPTION_RSA_BITS", &enc.RSABits)

	envString("KEYSTORE_DRIVER", &config.KeyStore.Driver)
	envString("KEYSTORE_DSN", &config.KeyStore.DSN)

	st := &config.Storage
	envString("STORAGE_DRIVER", &st.Driver)
	envString("STORAGE_ROOT", &st.Root)
	envString("STORAGE_BUCKET", &st.Bucket)
	envString("STORAGE_PREFIX", &st.Prefix)
	envString("STORAGE_ENDPOINT", &st.Endpoint)
	envString("STORAGE_REGION", &st.Region)
	envString("STORAGE_ACCESS_KEY", &st.AccessKey)
	envString("STORAGE_SECRET_KEY", &st.SecretKey)
	envBool("STORAGE_USE_PATH_STYLE", &st.UsePathStyle)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envInt64("SERVER_MAX_UPLOAD_BYTES", &config.Server.MaxUploadBytes)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envInt64("CACHE_MAX_SIZE", &config.Cache.MaxSize)
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

var validCiphers = map[string]bool{
	"AES-256-CTR": true,
	"AES-128-CTR": true,
	"AES-256-CFB": true,
	"AES-128-CFB": true,
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if !validCiphers[strings.ToUpper(strings.TrimSpace(c.Encryption.Cipher))] {
		return fmt.Errorf("invalid encryption.cipher: %s", c.Encryption.Cipher)
	}
	if c.Encryption.UseMasterKey && c.Encryption.MasterKeyID == "" {
		return fmt.Errorf("encryption.master_key_id is required when use_master_key is enabled")
	}
	if c.Encryption.RSABits != 0 && c.Encryption.RSABits < 2048 {
		return fmt.Errorf("encryption.rsa_bits must be at least 2048")
	}

	switch c.KeyStore.Driver {
	case "memory":
	case "sqlite":
		if c.KeyStore.DSN == "" {
			return fmt.Errorf("keystore.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid keystore.driver: %s (must be memory or sqlite)", c.KeyStore.Driver)
	}

	switch c.Storage.Driver {
	case "filesystem":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the filesystem driver")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 driver")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage.access_key and storage.secret_key are required for the s3 driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be filesystem or s3)", c.Storage.Driver)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
