// Package config loads the engine's process-wide configuration from the
// environment, failing fast at cold start. Grounded in the original
// Python implementation's AppConfig.load_from_env / ConfigurationError,
// with the teacher's normalizeOptions defaulting idiom for optional keys.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
	"github.com/Ap3pp3rs94/batchforge/internal/obslog"
)

// Config is the engine's process-wide, immutable configuration.
type Config struct {
	DistributionBucket string
	IdempotencyTable    string
	ServiceName         string
	Environment         string

	IdempotencyTTLDays int

	MaxBundleInputMB      int64
	MaxBundleOnDiskMB     int64
	SpoolFileMaxSizeMB    int64
	TimeoutGuardThreshold int // seconds
	MaxFetchWorkers       int
	QueuePutTimeoutSecs   int

	BundleEncryptionKeyID string // optional passthrough
	LogLevel              obslog.Level
}

// IdempotencyTTLSeconds is the derived TTL in seconds for ClaimRecord.expires_at.
func (c Config) IdempotencyTTLSeconds() int64 { return int64(c.IdempotencyTTLDays) * 86400 }

// MaxBundleInputBytes is the pre-flight input-size ceiling in bytes.
func (c Config) MaxBundleInputBytes() int64 { return c.MaxBundleInputMB * 1024 * 1024 }

// MaxBundleOnDiskBytes is the Governor's on-disk budget in bytes.
func (c Config) MaxBundleOnDiskBytes() int64 { return c.MaxBundleOnDiskMB * 1024 * 1024 }

// SpoolThresholdBytes is the in-memory spill threshold in bytes.
func (c Config) SpoolThresholdBytes() int64 { return c.SpoolFileMaxSizeMB * 1024 * 1024 }

// IsProduction reports whether direct-invoke test-mode bypass must be refused.
func (c Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "prod" || env == "production"
}

const (
	defaultIdempotencyTTLDays    = 7
	defaultMaxBundleInputMB      = 100
	defaultMaxBundleOnDiskMB     = 400
	defaultSpoolFileMaxSizeMB    = 64
	defaultTimeoutGuardSeconds   = 10
	defaultMaxFetchWorkers       = 8
	defaultQueuePutTimeoutSecs   = 5
	minIdempotencyTTLDays        = 3 // must clear TTL-sweep windows, spec §6
)

// LoadFromEnv reads Config from the process environment, validating every
// value and returning a ConfigurationError-coded bundlerrors.Error on the
// first problem found.
func LoadFromEnv(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Config{}

	required := map[string]*string{
		"DISTRIBUTION_BUCKET_NAME": &cfg.DistributionBucket,
		"IDEMPOTENCY_TABLE_NAME":   &cfg.IdempotencyTable,
		"SERVICE_NAME":             &cfg.ServiceName,
		"ENVIRONMENT":              &cfg.Environment,
	}
	for name, dst := range required {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return Config{}, bundlerrors.New(bundlerrors.ConfigurationError, fmt.Sprintf("missing required config %s", name))
		}
		*dst = v
	}

	var err error
	if cfg.IdempotencyTTLDays, err = intOrDefault(getenv, "IDEMPOTENCY_TTL_DAYS", defaultIdempotencyTTLDays); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTLDays < minIdempotencyTTLDays {
		return Config{}, bundlerrors.New(bundlerrors.ConfigurationError,
			fmt.Sprintf("IDEMPOTENCY_TTL_DAYS must be >= %d, got %d", minIdempotencyTTLDays, cfg.IdempotencyTTLDays))
	}

	if cfg.MaxBundleInputMB, err = int64OrDefault(getenv, "MAX_BUNDLE_INPUT_MB", defaultMaxBundleInputMB); err != nil {
		return Config{}, err
	}
	if cfg.MaxBundleOnDiskMB, err = int64OrDefault(getenv, "MAX_BUNDLE_ON_DISK_MB", defaultMaxBundleOnDiskMB); err != nil {
		return Config{}, err
	}
	if cfg.SpoolFileMaxSizeMB, err = int64OrDefault(getenv, "SPOOL_FILE_MAX_SIZE_MB", defaultSpoolFileMaxSizeMB); err != nil {
		return Config{}, err
	}
	if cfg.TimeoutGuardThreshold, err = intOrDefault(getenv, "TIMEOUT_GUARD_THRESHOLD_SECONDS", defaultTimeoutGuardSeconds); err != nil {
		return Config{}, err
	}
	if cfg.MaxFetchWorkers, err = intOrDefault(getenv, "MAX_FETCH_WORKERS", defaultMaxFetchWorkers); err != nil {
		return Config{}, err
	}
	if cfg.MaxFetchWorkers < 1 {
		return Config{}, bundlerrors.New(bundlerrors.ConfigurationError, "MAX_FETCH_WORKERS must be >= 1")
	}
	if cfg.QueuePutTimeoutSecs, err = intOrDefault(getenv, "QUEUE_PUT_TIMEOUT_SECONDS", defaultQueuePutTimeoutSecs); err != nil {
		return Config{}, err
	}

	for _, n := range []int64{cfg.MaxBundleInputMB, cfg.MaxBundleOnDiskMB, cfg.SpoolFileMaxSizeMB} {
		if n <= 0 {
			return Config{}, bundlerrors.New(bundlerrors.ConfigurationError, "size budgets must be positive")
		}
	}

	cfg.BundleEncryptionKeyID = strings.TrimSpace(getenv("BUNDLE_ENCRYPTION_KEY_ID"))

	logLevelRaw := strings.TrimSpace(getenv("LOG_LEVEL"))
	if logLevelRaw == "" {
		logLevelRaw = "INFO"
	}
	if !validLogLevel(logLevelRaw) {
		return Config{}, bundlerrors.New(bundlerrors.ConfigurationError, fmt.Sprintf("invalid LOG_LEVEL %q", logLevelRaw))
	}
	cfg.LogLevel = obslog.ParseLevel(logLevelRaw)

	return cfg, nil
}

func validLogLevel(s string) bool {
	switch strings.ToUpper(s) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
		return true
	default:
		return false
	}
}

func intOrDefault(getenv func(string) string, name string, def int) (int, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, bundlerrors.New(bundlerrors.ConfigurationError, fmt.Sprintf("%s must be an integer, got %q", name, raw))
	}
	return v, nil
}

func int64OrDefault(getenv func(string) string, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, bundlerrors.New(bundlerrors.ConfigurationError, fmt.Sprintf("%s must be an integer, got %q", name, raw))
	}
	return v, nil
}

// memoized singleton, matching spec §9: "configuration is process-wide and
// loaded once at startup behind a memoized accessor."
var (
	once     sync.Once
	loaded   Config
	loadErr  error
)

// Get returns the process-wide Config, loading it from the real
// environment exactly once.
func Get() (Config, error) {
	once.Do(func() {
		loaded, loadErr = LoadFromEnv(os.Getenv)
	})
	return loaded, loadErr
}
