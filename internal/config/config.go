package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string

	OTLPEndpoint string

	HTTPAddr        string
	CORSOrigins     []string
	MaxWebhookBytes int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	Webhook   WebhookConfig
	Provider  ProviderConfig
	Quota     QuotaConfig
	Operator  OperatorConfig
	Scheduler SchedulerConfig

	SnowflakeNode int64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type WebhookConfig struct {
	Secret string
}

type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RatePerSec float64
}

type QuotaConfig struct {
	UnitCost          int64
	FreeLifetimeLimit int64
	GlobalDailyLimit  int64
	ResultCacheTTL    time.Duration
	SubmitRate        float64
	SubmitBurst       int
	TrustedNetworks   []netip.Prefix
	DevBypass         bool
}

type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	ExpireGrace time.Duration
	Jobs        []string
}

// OperatorConfig maps operator subjects to argon2id key hashes and roles.
// OPERATOR_KEYS format: "name:role:hash,name:role:hash".
type OperatorConfig struct {
	Keys []OperatorKey
}

type OperatorKey struct {
	Name string
	Role string
	Hash string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeStandalone))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:         getenv("APP_SERVICE", "creditledger"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Mode:            mode,
		Environment:     environment,
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		CORSOrigins:     getenvList("CORS_ALLOWED_ORIGINS"),
		MaxWebhookBytes: getenvInt64("WEBHOOK_MAX_BYTES", 1<<20),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "creditledger.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Webhook: WebhookConfig{
			Secret: strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
		},
		Provider: ProviderConfig{
			BaseURL:    strings.TrimRight(strings.TrimSpace(getenv("PROVIDER_BASE_URL", "http://localhost:9090")), "/"),
			APIKey:     strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
			Timeout:    getenvDuration("PROVIDER_TIMEOUT", 8*time.Second),
			MaxRetries: int(getenvInt64("PROVIDER_MAX_RETRIES", 2)),
			RatePerSec: getenvFloat("PROVIDER_RATE_PER_SEC", 20),
		},
		Quota: QuotaConfig{
			UnitCost:          getenvInt64("USAGE_UNIT_COST", 10),
			FreeLifetimeLimit: getenvInt64("FREE_LIFETIME_LIMIT", 5),
			GlobalDailyLimit:  getenvInt64("FREE_GLOBAL_DAILY_LIMIT", 2000),
			ResultCacheTTL:    getenvDuration("RESULT_CACHE_TTL", 24*time.Hour),
			SubmitRate:        getenvFloat("SUBMIT_RATE_PER_SEC", 10.0/60.0),
			SubmitBurst:       int(getenvInt64("SUBMIT_BURST", 10)),
			TrustedNetworks:   parsePrefixes(getenvList("TRUSTED_NETWORKS")),
			DevBypass:         environment == "development" && getenvBool("QUOTA_DEV_BYPASS", false),
		},
		Operator: OperatorConfig{
			Keys: parseOperatorKeys(getenv("OPERATOR_KEYS", "")),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			BatchSize:   int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
			JobTimeout:  getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			ExpireGrace: getenvDuration("SCHEDULER_EXPIRE_GRACE", time.Hour),
			Jobs:        getenvList("SCHEDULER_JOBS"),
		},
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
	}

	return cfg
}

const (
	ModeStandalone = "standalone"
	ModeCloud      = "cloud"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeCloud:
		return ModeCloud
	default:
		return ModeStandalone
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	parts := strings.Split(os.Getenv(key), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parsePrefixes(values []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				continue
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out
}

func parseOperatorKeys(raw string) []OperatorKey {
	entries := strings.Split(raw, ",")
	out := make([]OperatorKey, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// argon2id hashes contain '$' but never ':'
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, OperatorKey{
			Name: strings.TrimSpace(parts[0]),
			Role: strings.ToLower(strings.TrimSpace(parts[1])),
			Hash: strings.TrimSpace(parts[2]),
		})
	}
	return out
}
