package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	Port     string
	ServerID string
	GoEnv    string

	MaxConnections int

	ShardCount      int
	ShardRangeStart int
	ShardRangeEnd   int

	CORSOrigins []string

	StoreAddrs    []string
	StorePassword string
	DBURL         string

	ApprovalTimeout time.Duration

	ThrottleCPUPct float64
	ThrottleMemPct float64
	ThrottleFactor float64

	TierOverrides string
	WSConnectRate string

	EnableSFU   bool
	SFUHTTPURL  string
	SFUGRPCAddr string

	OTLPEndpoint string
}

// DevMode reports whether the hub runs with development defaults
// (permissive origins, human-readable logs).
func (c *Config) DevMode() bool {
	return c.GoEnv == "development"
}

// ClusterMode reports whether a shared store is configured; without one the
// hub serves the degenerate single-instance deployment.
func (c *Config) ClusterMode() bool {
	return len(c.StoreAddrs) > 0
}

// ValidateEnv validates all environment variables and returns a Config object.
// Every problem found is reported together so a bad deployment fails with one
// complete message instead of a fix-one-rerun loop.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// SERVER_ID (defaults to a hostname-derived id; must be fleet-unique)
	cfg.ServerID = os.Getenv("SERVER_ID")
	if cfg.ServerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		cfg.ServerID = "srv-" + host
		slog.Warn("SERVER_ID not set, derived from hostname", "server_id", cfg.ServerID)
	}

	// GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// MAX_CONNECTIONS (defaults to 10000)
	maxConns := getEnvOrDefault("MAX_CONNECTIONS", "10000")
	if n, err := strconv.Atoi(maxConns); err != nil || n < 1 {
		errors = append(errors, fmt.Sprintf("MAX_CONNECTIONS must be a positive integer (got '%s')", maxConns))
	} else {
		cfg.MaxConnections = n
	}

	// SHARD_COUNT (defaults to 1000)
	shardCount := getEnvOrDefault("SHARD_COUNT", "1000")
	if n, err := strconv.Atoi(shardCount); err != nil || n < 1 {
		errors = append(errors, fmt.Sprintf("SHARD_COUNT must be a positive integer (got '%s')", shardCount))
	} else {
		cfg.ShardCount = n
	}

	// ROOM_SHARD_RANGE "start-end" (defaults to the full shard space)
	rangeDefault := fmt.Sprintf("0-%d", cfg.ShardCount-1)
	if cfg.ShardCount < 1 {
		rangeDefault = "0-0"
	}
	shardRange := getEnvOrDefault("ROOM_SHARD_RANGE", rangeDefault)
	start, end, err := ParseShardRange(shardRange)
	switch {
	case err != nil:
		errors = append(errors, fmt.Sprintf("ROOM_SHARD_RANGE must be 'start-end' (got '%s'): %v", shardRange, err))
	case cfg.ShardCount > 0 && end >= cfg.ShardCount:
		errors = append(errors, fmt.Sprintf("ROOM_SHARD_RANGE end %d outside shard space [0,%d)", end, cfg.ShardCount))
	default:
		cfg.ShardRangeStart, cfg.ShardRangeEnd = start, end
	}

	// CORS_ORIGIN comma-separated list (defaults to the local dev frontend)
	origins := getEnvOrDefault("CORS_ORIGIN", "http://localhost:3000")
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("CORS_ORIGIN entry '%s' is not a valid origin URL", o))
			continue
		}
		cfg.CORSOrigins = append(cfg.CORSOrigins, o)
	}
	if len(cfg.CORSOrigins) == 0 {
		errors = append(errors, "CORS_ORIGIN must contain at least one valid origin")
	}

	// STORE_URLS comma-separated host:port list; empty means single-instance
	if storeURLs := os.Getenv("STORE_URLS"); storeURLs != "" {
		for _, addr := range strings.Split(storeURLs, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if !isValidHostPort(addr) {
				errors = append(errors, fmt.Sprintf("STORE_URLS entry must be in format 'host:port' (got '%s')", addr))
				continue
			}
			cfg.StoreAddrs = append(cfg.StoreAddrs, addr)
		}
		cfg.StorePassword = os.Getenv("STORE_PASSWORD")
	}

	// DB_URL enables the durable cache level when present
	cfg.DBURL = os.Getenv("DB_URL")

	// PENDING_APPROVAL_TIMEOUT (defaults to 60s)
	approval := getEnvOrDefault("PENDING_APPROVAL_TIMEOUT", "60s")
	if d, err := time.ParseDuration(approval); err != nil || d <= 0 {
		errors = append(errors, fmt.Sprintf("PENDING_APPROVAL_TIMEOUT must be a positive duration (got '%s')", approval))
	} else {
		cfg.ApprovalTimeout = d
	}

	// Adaptive throttle thresholds
	cfg.ThrottleCPUPct = parsePercent("THROTTLE_CPU_PCT", "80", &errors)
	cfg.ThrottleMemPct = parsePercent("THROTTLE_MEM_PCT", "85", &errors)
	factor := getEnvOrDefault("THROTTLE_FACTOR", "0.5")
	if f, err := strconv.ParseFloat(factor, 64); err != nil || f <= 0 || f > 1 {
		errors = append(errors, fmt.Sprintf("THROTTLE_FACTOR must be in (0,1] (got '%s')", factor))
	} else {
		cfg.ThrottleFactor = f
	}

	// Rate limit overrides are parsed by the limiter; carried raw here
	cfg.TierOverrides = os.Getenv("RATE_TIER_OVERRIDES")
	cfg.WSConnectRate = getEnvOrDefault("WS_CONNECT_RATE", "60-M")

	// SFU collaborator
	cfg.EnableSFU = os.Getenv("ENABLE_SFU") == "true"
	cfg.SFUHTTPURL = getEnvOrDefault("SFU_HTTP_URL", "http://localhost:3001")
	if cfg.EnableSFU {
		if u, err := url.Parse(cfg.SFUHTTPURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("SFU_HTTP_URL must be a valid URL (got '%s')", cfg.SFUHTTPURL))
		}
		cfg.SFUGRPCAddr = os.Getenv("SFU_GRPC_ADDR")
		if cfg.SFUGRPCAddr != "" && !isValidHostPort(cfg.SFUGRPCAddr) {
			errors = append(errors, fmt.Sprintf("SFU_GRPC_ADDR must be in format 'host:port' (got '%s')", cfg.SFUGRPCAddr))
		}
	}

	// Tracing is enabled by the presence of the collector endpoint
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if cfg.OTLPEndpoint != "" && !isValidHostPort(cfg.OTLPEndpoint) {
		errors = append(errors, fmt.Sprintf("OTEL_EXPORTER_OTLP_ENDPOINT must be in format 'host:port' (got '%s')", cfg.OTLPEndpoint))
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ParseShardRange parses "start-end" into its bounds.
func ParseShardRange(s string) (int, int, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two dash-separated integers")
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end: %w", err)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("range must satisfy 0 <= start <= end")
	}
	return start, end, nil
}

func parsePercent(key, def string, errors *[]string) float64 {
	raw := getEnvOrDefault(key, def)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f > 100 {
		*errors = append(*errors, fmt.Sprintf("%s must be a percentage in (0,100] (got '%s')", key, raw))
		return 0
	}
	return f
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"server_id", cfg.ServerID,
		"go_env", cfg.GoEnv,
		"max_connections", cfg.MaxConnections,
		"shard_count", cfg.ShardCount,
		"shard_range", fmt.Sprintf("%d-%d", cfg.ShardRangeStart, cfg.ShardRangeEnd),
		"cors_origins", strings.Join(cfg.CORSOrigins, ","),
		"cluster_mode", cfg.ClusterMode(),
		"store_addrs", strings.Join(cfg.StoreAddrs, ","),
		"store_password", redactSecret(cfg.StorePassword),
		"db_url", redactSecret(cfg.DBURL),
		"approval_timeout", cfg.ApprovalTimeout.String(),
		"enable_sfu", cfg.EnableSFU,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 4 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:4] + "***"
}
