package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var managedVars = []string{
	"PORT", "SERVER_ID", "GO_ENV", "MAX_CONNECTIONS", "SHARD_COUNT",
	"ROOM_SHARD_RANGE", "CORS_ORIGIN", "STORE_URLS", "STORE_PASSWORD",
	"DB_URL", "PENDING_APPROVAL_TIMEOUT", "THROTTLE_CPU_PCT",
	"THROTTLE_MEM_PCT", "THROTTLE_FACTOR", "RATE_TIER_OVERRIDES",
	"WS_CONNECT_RATE", "ENABLE_SFU", "SFU_HTTP_URL", "SFU_GRPC_ADDR",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// setupTestEnv clears every config variable and restores the originals after.
func setupTestEnv(t *testing.T) func() {
	origVars := map[string]string{}
	for _, key := range managedVars {
		origVars[key] = os.Getenv(key)
		os.Unsetenv(key)
	}

	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("SERVER_ID", "srv-test-1")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to default to '8080', got '%s'", cfg.Port)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.MaxConnections != 10000 {
		t.Errorf("Expected MAX_CONNECTIONS to default to 10000, got %d", cfg.MaxConnections)
	}
	if cfg.ShardCount != 1000 {
		t.Errorf("Expected SHARD_COUNT to default to 1000, got %d", cfg.ShardCount)
	}
	if cfg.ShardRangeStart != 0 || cfg.ShardRangeEnd != 999 {
		t.Errorf("Expected default shard range 0-999, got %d-%d", cfg.ShardRangeStart, cfg.ShardRangeEnd)
	}
	if cfg.ApprovalTimeout != 60*time.Second {
		t.Errorf("Expected default approval timeout 60s, got %v", cfg.ApprovalTimeout)
	}
	if cfg.ClusterMode() {
		t.Error("Expected single-instance mode when STORE_URLS is unset")
	}
	if cfg.ThrottleFactor != 0.5 {
		t.Errorf("Expected default throttle factor 0.5, got %v", cfg.ThrottleFactor)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_ShardRange(t *testing.T) {
	t.Run("valid partial range", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("ROOM_SHARD_RANGE", "250-499")

		cfg, err := ValidateEnv()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cfg.ShardRangeStart != 250 || cfg.ShardRangeEnd != 499 {
			t.Errorf("Expected range 250-499, got %d-%d", cfg.ShardRangeStart, cfg.ShardRangeEnd)
		}
	})

	t.Run("malformed range", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("ROOM_SHARD_RANGE", "abc")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for malformed ROOM_SHARD_RANGE, got nil")
		}
	})

	t.Run("inverted range", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("ROOM_SHARD_RANGE", "500-100")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for inverted ROOM_SHARD_RANGE, got nil")
		}
	})

	t.Run("range outside shard space", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("SHARD_COUNT", "100")
		os.Setenv("ROOM_SHARD_RANGE", "0-100")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for out-of-space ROOM_SHARD_RANGE, got nil")
		}
		if !strings.Contains(err.Error(), "outside shard space") {
			t.Errorf("Expected shard-space error, got: %v", err)
		}
	})
}

func TestValidateEnv_StoreURLs(t *testing.T) {
	t.Run("valid list enables cluster mode", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("STORE_URLS", "redis-0:6379, redis-1:6379")
		os.Setenv("STORE_PASSWORD", "hunter22secret")

		cfg, err := ValidateEnv()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !cfg.ClusterMode() {
			t.Error("Expected cluster mode with STORE_URLS set")
		}
		if len(cfg.StoreAddrs) != 2 {
			t.Errorf("Expected 2 store addrs, got %d", len(cfg.StoreAddrs))
		}
		if cfg.StorePassword != "hunter22secret" {
			t.Error("Expected STORE_PASSWORD to be carried through")
		}
	})

	t.Run("invalid entry", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("STORE_URLS", "not-an-addr")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for invalid STORE_URLS, got nil")
		}
		if !strings.Contains(err.Error(), "STORE_URLS entry must be in format 'host:port'") {
			t.Errorf("Expected STORE_URLS format error, got: %v", err)
		}
	})
}

func TestValidateEnv_CORSOrigins(t *testing.T) {
	t.Run("multiple origins", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("CORS_ORIGIN", "https://watch.example.com,http://localhost:3000")

		cfg, err := ValidateEnv()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(cfg.CORSOrigins) != 2 {
			t.Errorf("Expected 2 origins, got %d", len(cfg.CORSOrigins))
		}
	})

	t.Run("invalid origin", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("CORS_ORIGIN", "not a url")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for invalid CORS_ORIGIN, got nil")
		}
	})
}

func TestValidateEnv_SFU(t *testing.T) {
	t.Run("bad grpc addr rejected when enabled", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("ENABLE_SFU", "true")
		os.Setenv("SFU_GRPC_ADDR", "nope")

		_, err := ValidateEnv()
		if err == nil {
			t.Fatal("Expected error for invalid SFU_GRPC_ADDR, got nil")
		}
	})

	t.Run("sfu vars ignored when disabled", func(t *testing.T) {
		cleanup := setupTestEnv(t)
		defer cleanup()

		os.Setenv("SFU_GRPC_ADDR", "nope")

		cfg, err := ValidateEnv()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if cfg.EnableSFU {
			t.Error("Expected SFU to be disabled by default")
		}
	})
}

func TestValidateEnv_AccumulatesErrors(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "-1")
	os.Setenv("MAX_CONNECTIONS", "zero")
	os.Setenv("THROTTLE_FACTOR", "2")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	for _, fragment := range []string{"PORT", "MAX_CONNECTIONS", "THROTTLE_FACTOR"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("Expected combined error to mention %s, got: %v", fragment, err)
		}
	}
}

func TestParseShardRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		start   int
		end     int
		wantErr bool
	}{
		{"full space", "0-999", 0, 999, false},
		{"single shard", "42-42", 42, 42, false},
		{"spaces tolerated", " 10 - 20 ", 10, 20, false},
		{"inverted", "20-10", 0, 0, true},
		{"negative", "-5-10", 0, 0, true},
		{"not numbers", "a-b", 0, 0, true},
		{"missing dash", "123", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := ParseShardRange(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseShardRange(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseShardRange(%q) unexpected error: %v", tt.input, err)
			}
			if start != tt.start || end != tt.end {
				t.Errorf("ParseShardRange(%q) = %d-%d, expected %d-%d", tt.input, start, end, tt.start, tt.end)
			}
		})
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Empty", "", ""},
		{"Short secret", "abc", "***"},
		{"Exactly 4 chars", "abcd", "***"},
		{"Longer secret", "postgres://u:p@h/db", "post***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
