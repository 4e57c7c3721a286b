package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Shared key for verifying identify tokens minted by the marketplace
	// auth layer. Empty disables verification (dev mode: identities are
	// trusted as declared).
	TokenHMACKey string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("UNIMARKET_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("UNIMARKET_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("UNIMARKET_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("UNIMARKET_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("UNIMARKET_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("UNIMARKET_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("UNIMARKET_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("UNIMARKET_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("UNIMARKET_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("UNIMARKET_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("UNIMARKET_READINESS_REQUIRE_DB", false),

		TokenHMACKey: EnvString("UNIMARKET_TOKEN_HMAC_KEY", ""),
	}
}
