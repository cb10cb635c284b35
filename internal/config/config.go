// Package config loads the service configuration from a YAML file and
// REFILL_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/refill/internal/domain"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Load builds the configuration: tier defaults, then the YAML file at path
// (a missing file keeps the defaults), then environment overrides.
// The result is validated.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Tier(os.Getenv("REFILL_TIER")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *domain.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnv overrides cfg with the REFILL_* variables that are set.
func applyEnv(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = n
		return nil
	}

	if v, ok := os.LookupEnv("REFILL_TIER"); ok {
		cfg.Tier = domain.Tier(v)
	}
	if os.Getenv("REFILL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}

	str("REFILL_HOST", &cfg.Server.Host)
	str("REFILL_DB_DRIVER", &cfg.Repository.Driver)
	str("REFILL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("REFILL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("REFILL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("REFILL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("REFILL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("REFILL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("REFILL_MYSQL_DSN", &cfg.Repository.MySQLDSN)
	str("REFILL_CACHE_TYPE", &cfg.Cache.Type)
	str("REFILL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REFILL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("REFILL_BUS_TYPE", &cfg.EventBus.Type)
	str("REFILL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("REFILL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("REFILL_LOG_FORMAT", &cfg.Logging.Format)

	for key, dst := range map[string]*int{
		"REFILL_PORT":            &cfg.Server.Port,
		"REFILL_POSTGRES_PORT":   &cfg.Repository.PostgresPort,
		"REFILL_GRACE_DAYS":      &cfg.Engine.GraceDays,
		"REFILL_RELOAD_INTERVAL": &cfg.Reload.Interval,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks cfg for values the engine and backends cannot run with.
func Validate(cfg *domain.Config) error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		fail("unknown tier %q", cfg.Tier)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		fail("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	case "mysql":
		if cfg.Repository.MySQLDSN == "" {
			fail("repository.mysqlDsn is required for mysql")
		}
	default:
		fail("unknown repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		fail("unknown cache type %q", cfg.Cache.Type)
	}
	if cfg.Cache.LocalTTL < 0 {
		fail("cache.localTtl must not be negative")
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		fail("unknown event bus type %q", cfg.EventBus.Type)
	}

	if cfg.Reload.Interval < 0 {
		fail("reload.interval must not be negative")
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		fail("%v", err)
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		fail("unknown logging format %q", cfg.Logging.Format)
	}

	validateEngine(cfg.Engine, fail)

	for i, seg := range cfg.Segments {
		if seg.ID == "" || seg.Expression == "" {
			fail("segments[%d] needs an id and an expression", i)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func validateEngine(e domain.EngineConfig, fail func(string, ...any)) {
	if e.GraceDays < 0 {
		fail("engine.graceDays must not be negative")
	}
	if e.UpcomingLookaheadDays < 0 {
		fail("engine.upcomingLookaheadDays must not be negative")
	}
	if e.ComplianceToleranceDays < 0 {
		fail("engine.complianceToleranceDays must not be negative")
	}
	if e.IrregularCVThreshold <= 0 {
		fail("engine.irregularCvThreshold must be positive")
	}
	if e.HighConfidenceThreshold < 0 || e.HighConfidenceThreshold > 100 {
		fail("engine.highConfidenceThreshold must be within [0, 100]")
	}

	s := e.Scoring
	total := 0.0
	for _, w := range s.Weights() {
		if w < 0 {
			fail("engine.scoring weights must not be negative")
		}
		total += w
	}
	if math.Abs(total-1) > 0.01 {
		fail("engine.scoring weights sum to %.3f, expected 1", total)
	}
	if s.GapLowerRatio <= 0 || s.GapLowerRatio >= s.GapUpperRatio {
		fail("engine.scoring gap band must satisfy 0 < lower < upper")
	}
	if s.GapDecaySpan <= 0 || s.VolumeSaturation <= 0 || s.RecencyDecayRatio <= 1 {
		fail("engine.scoring decay parameters out of range")
	}

	c := e.Classifier
	switch c.Basis {
	case domain.BasisSinceLastPurchase, domain.BasisDaysOverdue:
	default:
		fail("unknown classifier basis %q", c.Basis)
	}
	if !(0 < c.AtRiskDays && c.AtRiskDays < c.AtRiskUpperDays &&
		c.AtRiskUpperDays < c.AtHighRiskDays && c.AtHighRiskDays < c.LikelyLostDays) {
		fail("engine.classifier tier boundaries must be strictly increasing")
	}
	mults := []float64{
		c.ActionNeededMultiplier,
		c.AtRiskMultiplier,
		c.AtRiskUpperMultiplier,
		c.AtHighRiskMultiplier,
		c.LikelyLostMultiplier,
	}
	for i, m := range mults {
		if m <= 0 || m > 1 {
			fail("engine.classifier multipliers must be within (0, 1]")
			break
		}
		if i > 0 && m > mults[i-1] {
			fail("engine.classifier multipliers must not increase with severity")
			break
		}
	}
	if c.LikelyLostCap < 0 || c.LikelyLostCap > 100 {
		fail("engine.classifier.likelyLostCap must be within [0, 100]")
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the service logger for cfg writing to w.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
