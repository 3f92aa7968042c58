// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SBG_ prefix (e.g., SBG_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// CORSConfig holds cross-origin request configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	PprofEnabled bool          `mapstructure:"pprof_enabled"`
	PprofPort    int           `mapstructure:"pprof_port"`
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AuthConfig holds authentication configuration.
//
// AdminKey is the single process-wide administrative secret. It is compared
// in constant time against the Authorization header on /api/admin routes and
// is never stored in the database. The serve command refuses to start when it
// is unset.
type AuthConfig struct {
	AdminKey     string `mapstructure:"admin_key"`
	APIKeyPrefix string `mapstructure:"api_key_prefix"`
}

// OrchestratorConfig holds the Kubernetes collaborator configuration.
type OrchestratorConfig struct {
	// InCluster selects in-cluster service account credentials; when false,
	// Kubeconfig is used (defaulting to the standard loading rules).
	InCluster  bool   `mapstructure:"in_cluster"`
	Kubeconfig string `mapstructure:"kubeconfig"`

	// GatewayNamespace is the namespace this gateway runs in. Tenant network
	// policies allow ingress from it.
	GatewayNamespace string `mapstructure:"gateway_namespace"`

	// Custom resource coordinates for the sandbox object.
	SandboxGroup    string `mapstructure:"sandbox_group"`
	SandboxVersion  string `mapstructure:"sandbox_version"`
	SandboxResource string `mapstructure:"sandbox_resource"`

	// DefaultImage is the runtime image used when a create request does not
	// specify one. RuntimePort is the fixed port sandbox workloads listen on.
	DefaultImage string `mapstructure:"default_image"`
	RuntimePort  int    `mapstructure:"runtime_port"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Per-tenant ResourceQuota ceilings, provisioned on first namespace creation.
	QuotaMaxSandboxes int    `mapstructure:"quota_max_sandboxes"`
	QuotaCPU          string `mapstructure:"quota_cpu"`
	QuotaMemory       string `mapstructure:"quota_memory"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	S3      S3StorageConfig    `mapstructure:"s3"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
	Azure   AzureStorageConfig `mapstructure:"azure"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region
	Region string `mapstructure:"region"`
	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": Use AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": Use explicit access key and secret key
	// - "oidc": Use Web Identity/OIDC token for authentication (EKS, GitHub Actions, etc.)
	// - "assume_role": Assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	// Static credentials (when auth_method is "static" or empty for backwards compatibility)
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// AssumeRole configuration (when auth_method is "assume_role" or "oidc")
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// WebIdentityTokenFile is the path to the OIDC token file (e.g., from EKS)
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// Bucket is the GCS bucket name
	Bucket string `mapstructure:"bucket"`

	// ProjectID is the Google Cloud project ID (optional if using default credentials)
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default" (Application Default Credentials) or
	// "service_account" (key file or inline JSON).
	AuthMethod string `mapstructure:"auth_method"`

	// CredentialsFile is the path to a service account JSON key file
	CredentialsFile string `mapstructure:"credentials_file"`

	// CredentialsJSON is the service account JSON key as a string
	// (alternative to credentials_file, useful for environment variables)
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ContainerName    string `mapstructure:"container_name"`
	ConnectionString string `mapstructure:"connection_string"`
}

// RelayConfig holds proxy relay configuration
type RelayConfig struct {
	// Timeout bounds a single proxied exchange end to end.
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuditConfig holds audit recording configuration
type AuditConfig struct {
	// LogDenied controls whether rejected authentication attempts are recorded
	// (with a null user reference).
	LogDenied bool `mapstructure:"log_denied"`
	// File and Webhook configure optional shipping of audit entries to
	// destinations outside the database.
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	ReconcilerEnabled  bool          `mapstructure:"reconciler_enabled"`
	ReconcilerInterval time.Duration `mapstructure:"reconciler_interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.metrics_port",
		"server.pprof_enabled",
		"server.pprof_port",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Auth
		"auth.admin_key",
		"auth.api_key_prefix",

		// Orchestrator
		"orchestrator.in_cluster",
		"orchestrator.kubeconfig",
		"orchestrator.gateway_namespace",
		"orchestrator.sandbox_group",
		"orchestrator.sandbox_version",
		"orchestrator.sandbox_resource",
		"orchestrator.default_image",
		"orchestrator.runtime_port",
		"orchestrator.request_timeout",
		"orchestrator.quota_max_sandboxes",
		"orchestrator.quota_cpu",
		"orchestrator.quota_memory",

		// Storage
		"storage.backend",
		"storage.local.base_path",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.connection_string",

		// Relay
		"relay.timeout",

		// Audit
		"audit.log_denied",
		"audit.file.enabled",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.webhook.enabled",
		"audit.webhook.url",
		"audit.webhook.timeout",
		"audit.webhook.batch_size",
		"audit.webhook.flush_interval",

		// Jobs
		"jobs.reconciler_enabled",
		"jobs.reconciler_interval",

		// Rate limiting
		"ratelimit.enabled",
		"ratelimit.requests_per_minute",
		"ratelimit.burst",

		// CORS
		"cors.allowed_origins",

		// Logging
		"logging.level",
		"logging.format",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sandbox-gateway")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("SBG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.AdminKey = expandEnv(cfg.Auth.AdminKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.Azure.ConnectionString = expandEnv(cfg.Storage.Azure.ConnectionString)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.pprof_enabled", false)
	v.SetDefault("server.pprof_port", 6060)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "sandbox_gateway")
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Auth defaults
	v.SetDefault("auth.api_key_prefix", "sk_live")

	// Orchestrator defaults
	v.SetDefault("orchestrator.in_cluster", true)
	v.SetDefault("orchestrator.kubeconfig", "")
	v.SetDefault("orchestrator.gateway_namespace", "sandbox-gateway")
	v.SetDefault("orchestrator.sandbox_group", "gateway.dev")
	v.SetDefault("orchestrator.sandbox_version", "v1alpha1")
	v.SetDefault("orchestrator.sandbox_resource", "sandboxes")
	v.SetDefault("orchestrator.default_image", "")
	v.SetDefault("orchestrator.runtime_port", 8080)
	v.SetDefault("orchestrator.request_timeout", "15s")
	v.SetDefault("orchestrator.quota_max_sandboxes", 5)
	v.SetDefault("orchestrator.quota_cpu", "4")
	v.SetDefault("orchestrator.quota_memory", "8Gi")

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")

	// Relay defaults
	v.SetDefault("relay.timeout", "30s")

	// Audit defaults
	v.SetDefault("audit.log_denied", true)
	v.SetDefault("audit.file.enabled", false)
	v.SetDefault("audit.file.max_size_mb", 100)
	v.SetDefault("audit.webhook.enabled", false)
	v.SetDefault("audit.webhook.timeout", "10s")
	v.SetDefault("audit.webhook.batch_size", 20)
	v.SetDefault("audit.webhook.flush_interval", "30s")

	// Jobs defaults
	v.SetDefault("jobs.reconciler_enabled", false)
	v.SetDefault("jobs.reconciler_interval", "5m")

	// Rate limiting defaults
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 200)
	v.SetDefault("ratelimit.burst", 50)

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate storage backend
	validBackends := map[string]bool{"local": true, "s3": true, "gcs": true, "azure": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be local, s3, gcs, or azure)", c.Storage.Backend)
	}

	if c.Storage.Backend == "local" && c.Storage.Local.BasePath == "" {
		return fmt.Errorf("storage.local.base_path is required when using local backend")
	}
	if c.Storage.Backend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
	}
	if c.Storage.Backend == "azure" {
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
		if c.Storage.Azure.ConnectionString == "" && (c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "") {
			return fmt.Errorf("storage.azure requires either connection_string or account_name + account_key")
		}
	}

	// Validate orchestrator
	if c.Orchestrator.GatewayNamespace == "" {
		return fmt.Errorf("orchestrator.gateway_namespace is required")
	}
	if c.Orchestrator.RuntimePort < 1 || c.Orchestrator.RuntimePort > 65535 {
		return fmt.Errorf("invalid orchestrator runtime port: %d", c.Orchestrator.RuntimePort)
	}

	// Validate relay
	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("relay.timeout must be positive")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
