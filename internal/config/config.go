package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the control plane needs to
// boot. Mirrors the flat-struct / getEnv style the rest of this codebase's
// lineage uses for configuration.
type Config struct {
	// Data root layout (spec.md §6 filesystem layout)
	DataDir            string
	NginxConfDir        string
	NginxModulesDir     string
	NginxModsecDir      string
	SSLDir              string
	LetsEncryptDir      string
	CertbotCredsDir     string
	ErrorPagesDir       string
	ACMEWebrootDir      string

	// Store
	SQLitePath string

	// Redis (optional StatsCache backing)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Secrets
	JWTSecret string

	// Nginx operations
	NginxBinary       string
	NginxMode         string // "direct" or "signal"
	NginxOpTimeout    time.Duration
	SignalFilePath    string
	TestResultPath    string
	ReloadResultPath  string
	SignalPollEvery   time.Duration

	// ACME
	ACMEBinary  string
	ACMETimeout time.Duration

	// WAF ingestion
	WAFAuditLogPaths []string

	// API
	APIPort int
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/var/lib/controlplane")

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateSecureSecret(32)
		log.Println("WARNING: JWT_SECRET not set - generated random secret. Encrypted credentials will not be recoverable across restarts.")
	}

	cfg := &Config{
		DataDir:         dataDir,
		NginxConfDir:    filepath.Join(dataDir, "conf"),
		NginxModulesDir: filepath.Join(dataDir, "conf", "modules"),
		NginxModsecDir:  filepath.Join(dataDir, "conf", "modsec-profiles"),
		SSLDir:          filepath.Join(dataDir, "ssl"),
		LetsEncryptDir:  filepath.Join(dataDir, "letsencrypt"),
		CertbotCredsDir: filepath.Join(dataDir, "certbot-credentials"),
		ErrorPagesDir:   filepath.Join(dataDir, "error-pages"),
		ACMEWebrootDir:  filepath.Join(dataDir, "acme-webroot"),

		SQLitePath: getEnv("SQLITE_PATH", filepath.Join(dataDir, "controlplane.db")),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret: jwtSecret,

		NginxBinary:      getEnv("NGINX_BINARY", "nginx"),
		NginxMode:        getEnv("NGINX_MODE", "direct"),
		NginxOpTimeout:   time.Duration(getEnvInt("NGINX_OP_TIMEOUT_S", 5)) * time.Second,
		SignalFilePath:   getEnv("NGINX_SIGNAL_FILE", filepath.Join(dataDir, ".nginx-reload-signal")),
		TestResultPath:   getEnv("NGINX_TEST_RESULT_FILE", filepath.Join(dataDir, ".nginx-test-result")),
		ReloadResultPath: getEnv("NGINX_RELOAD_RESULT_FILE", filepath.Join(dataDir, ".nginx-reload-result")),
		SignalPollEvery:  100 * time.Millisecond,

		ACMEBinary:  getEnv("ACME_BINARY", "certbot"),
		ACMETimeout: time.Duration(getEnvInt("ACME_TIMEOUT_S", 300)) * time.Second,

		WAFAuditLogPaths: getEnvList("WAF_AUDIT_LOG_PATHS", []string{"/var/log/nginx/modsec_audit.json"}),

		APIPort: getEnvInt("API_PORT", 8090),
	}

	return cfg
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte(os.Getenv("HOSTNAME") + strconv.Itoa(length)))
	}
	return hex.EncodeToString(bytes)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
