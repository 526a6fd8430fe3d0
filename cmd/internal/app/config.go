package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileEnv names the optional TOML file applied before environment overrides.
const ConfigFileEnv = "SESSIOND_CONFIG_FILE"

// Credential backends accepted by SESSIOND_CREDS_BACKEND.
const (
	CredsBackendFile     = "file"
	CredsBackendPostgres = "postgres"
	CredsBackendRedis    = "redis"
	CredsBackendMemory   = "memory"
)

// Config contains all runtime configuration.
//
// Precedence: defaults < TOML file (SESSIOND_CONFIG_FILE) < environment.
type Config struct {
	HTTPAddr  string `toml:"http_addr"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	ReadHeaderTimeout time.Duration `toml:"http_read_header_timeout"`
	ReadTimeout       time.Duration `toml:"http_read_timeout"`
	WriteTimeout      time.Duration `toml:"http_write_timeout"`
	IdleTimeout       time.Duration `toml:"http_idle_timeout"`
	MaxHeaderBytes    int           `toml:"http_max_header_bytes"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`

	CORSAllowedOrigins   []string `toml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `toml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `toml:"cors_max_age_seconds"`

	DatabaseURL   string `toml:"database_url"`
	DBMaxConns    int32  `toml:"db_max_conns"`
	DBMinConns    int32  `toml:"db_min_conns"`
	DBSchema      string `toml:"db_schema"`
	DBAutoMigrate bool   `toml:"db_auto_migrate"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `toml:"readiness_require_db"`

	CredsBackend    string `toml:"creds_backend"`
	CredsDir        string `toml:"creds_dir"`
	CredsPassphrase string `toml:"creds_passphrase"`
	// CredsWatch revokes running sessions whose credential directory is removed (file backend only).
	CredsWatch bool `toml:"creds_watch"`

	EngineURL   string `toml:"engine_url"`
	EngineToken string `toml:"engine_token"`

	MaxRetries        int           `toml:"max_retries"`
	RetryInitialDelay time.Duration `toml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `toml:"retry_max_delay"`
	DownloadMedia     bool          `toml:"download_media"`
	MaxMediaBytes     int64         `toml:"max_media_bytes"`
	StartTimeout      time.Duration `toml:"start_timeout"`
	ResumeOnStart     bool          `toml:"resume_on_start"`

	// Security policy:
	// If true, SESSIOND_API_TOKEN_KEY MUST be set (>= 32 bytes) and every API and websocket
	// request must carry a bearer token.
	RequireAPIToken bool `toml:"require_api_token"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   10 * time.Second,

		CORSMaxAgeSeconds: 600,

		DBMaxConns: 10,
		DBSchema:   "sessiond",

		CredsBackend: CredsBackendFile,
		CredsDir:     "wa_credentials",
		CredsWatch:   true,

		MaxRetries:        10,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
		DownloadMedia:     true,
		MaxMediaBytes:     16 << 20,
		StartTimeout:      30 * time.Second,
		ResumeOnStart:     true,
	}
}

// LoadConfig loads Config from defaults, the optional TOML file and environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString(ConfigFileEnv, ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadConfigFile overlays the keys present in the TOML file onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("SESSIOND_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("SESSIOND_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("SESSIOND_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("SESSIOND_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("SESSIOND_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("SESSIOND_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("SESSIOND_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("SESSIOND_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.ShutdownTimeout = EnvDuration("SESSIOND_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.CORSAllowedOrigins = EnvCSV("SESSIOND_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("SESSIOND_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("SESSIOND_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.DatabaseURL = EnvString("SESSIOND_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("SESSIOND_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("SESSIOND_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("SESSIOND_DB_SCHEMA", cfg.DBSchema)
	cfg.DBAutoMigrate = EnvBool("SESSIOND_DB_AUTO_MIGRATE", cfg.DBAutoMigrate)
	cfg.ReadinessRequireDB = EnvBool("SESSIOND_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CredsBackend = strings.ToLower(EnvString("SESSIOND_CREDS_BACKEND", cfg.CredsBackend))
	cfg.CredsDir = EnvString("SESSIOND_CREDS_DIR", cfg.CredsDir)
	cfg.CredsPassphrase = EnvString("SESSIOND_CREDS_PASSPHRASE", cfg.CredsPassphrase)
	cfg.CredsWatch = EnvBool("SESSIOND_CREDS_WATCH", cfg.CredsWatch)

	cfg.EngineURL = EnvString("SESSIOND_ENGINE_URL", cfg.EngineURL)
	cfg.EngineToken = EnvString("SESSIOND_ENGINE_TOKEN", cfg.EngineToken)

	cfg.MaxRetries = EnvInt("SESSIOND_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryInitialDelay = EnvDuration("SESSIOND_RETRY_INITIAL_DELAY", cfg.RetryInitialDelay)
	cfg.RetryMaxDelay = EnvDuration("SESSIOND_RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.DownloadMedia = EnvBool("SESSIOND_DOWNLOAD_MEDIA", cfg.DownloadMedia)
	cfg.MaxMediaBytes = EnvInt64("SESSIOND_MAX_MEDIA_BYTES", cfg.MaxMediaBytes)
	cfg.StartTimeout = EnvDuration("SESSIOND_START_TIMEOUT", cfg.StartTimeout)
	cfg.ResumeOnStart = EnvBool("SESSIOND_RESUME_ON_START", cfg.ResumeOnStart)

	cfg.RequireAPIToken = EnvBool("SESSIOND_REQUIRE_API_TOKEN", cfg.RequireAPIToken)
}

var credsBackends = []string{CredsBackendFile, CredsBackendPostgres, CredsBackendRedis, CredsBackendMemory}

func (c Config) validate() error {
	if !slices.Contains(credsBackends, c.CredsBackend) {
		return fmt.Errorf("%w: %q", ErrUnknownCredsBackend, c.CredsBackend)
	}
	if c.CredsBackend == CredsBackendPostgres && c.DatabaseURL == "" {
		return ErrDatabaseRequired
	}
	if c.CredsBackend == CredsBackendFile && strings.TrimSpace(c.CredsDir) == "" {
		return ErrEmptyCredsDir
	}
	return nil
}
