package domain

import "math"

// Config holds the complete refill service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Prediction engine policy
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Dataset reload schedule and outreach publishing
	Reload ReloadConfig `json:"reload" yaml:"reload"`

	// Segments seeded at startup in addition to stored ones
	Segments []Segment `json:"segments" yaml:"segments"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// ReloadConfig holds dataset reload settings.
type ReloadConfig struct {
	// Interval between periodic reloads in seconds; 0 disables them
	Interval int `json:"interval" yaml:"interval"`

	// OnStart loads the dataset before the server accepts requests
	OnStart bool `json:"onStart" yaml:"onStart"`

	// TopPairs caps the pair keys carried by each outreach event
	TopPairs int `json:"topPairs" yaml:"topPairs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and Go channels.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS.
	TierPro Tier = "pro"
)

// TierBasis selects which elapsed-time measure keys the status tier table.
type TierBasis string

const (
	// BasisSinceLastPurchase keys tiers by days since the last purchase.
	BasisSinceLastPurchase TierBasis = "since_last_purchase"

	// BasisDaysOverdue keys tiers by days past the predicted refill date.
	BasisDaysOverdue TierBasis = "days_overdue"
)

// EngineConfig holds the business policy of the prediction engine.
type EngineConfig struct {
	// GraceDays is the tolerance before a pair counts as overdue.
	GraceDays int `json:"graceDays" yaml:"graceDays"`

	UpcomingLookaheadDays   int     `json:"upcomingLookaheadDays" yaml:"upcomingLookaheadDays"`
	ComplianceToleranceDays int     `json:"complianceToleranceDays" yaml:"complianceToleranceDays"`
	IrregularCVThreshold    float64 `json:"irregularCvThreshold" yaml:"irregularCvThreshold"`
	HighConfidenceThreshold float64 `json:"highConfidenceThreshold" yaml:"highConfidenceThreshold"`
	LikelyLostMinDays       int     `json:"likelyLostMinDays" yaml:"likelyLostMinDays"`

	Scoring    ScoringConfig    `json:"scoring" yaml:"scoring"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
}

// ClassifierConfig is the status tier table. Boundaries are lower bounds in
// days: elapsed < AtRiskDays is Action Needed, and so on up to LikelyLostDays.
type ClassifierConfig struct {
	Basis TierBasis `json:"basis" yaml:"basis"`

	AtRiskDays      int `json:"atRiskDays" yaml:"atRiskDays"`
	AtRiskUpperDays int `json:"atRiskUpperDays" yaml:"atRiskUpperDays"`
	AtHighRiskDays  int `json:"atHighRiskDays" yaml:"atHighRiskDays"`
	LikelyLostDays  int `json:"likelyLostDays" yaml:"likelyLostDays"`

	ActionNeededMultiplier float64 `json:"actionNeededMultiplier" yaml:"actionNeededMultiplier"`
	AtRiskMultiplier       float64 `json:"atRiskMultiplier" yaml:"atRiskMultiplier"`
	AtRiskUpperMultiplier  float64 `json:"atRiskUpperMultiplier" yaml:"atRiskUpperMultiplier"`
	AtHighRiskMultiplier   float64 `json:"atHighRiskMultiplier" yaml:"atHighRiskMultiplier"`
	LikelyLostMultiplier   float64 `json:"likelyLostMultiplier" yaml:"likelyLostMultiplier"`

	// LikelyLostCap bounds adjusted confidence in the terminal tier.
	LikelyLostCap float64 `json:"likelyLostCap" yaml:"likelyLostCap"`
}

// ScoringConfig holds the confidence factor weights and curve parameters.
type ScoringConfig struct {
	TrendStabilityWeight      float64 `json:"trendStabilityWeight" yaml:"trendStabilityWeight"`
	RelationshipAgeWeight     float64 `json:"relationshipAgeWeight" yaml:"relationshipAgeWeight"`
	QuantityConsistencyWeight float64 `json:"quantityConsistencyWeight" yaml:"quantityConsistencyWeight"`
	SeasonalConsistencyWeight float64 `json:"seasonalConsistencyWeight" yaml:"seasonalConsistencyWeight"`
	PriceStabilityWeight      float64 `json:"priceStabilityWeight" yaml:"priceStabilityWeight"`
	GapAnalysisWeight         float64 `json:"gapAnalysisWeight" yaml:"gapAnalysisWeight"`
	VolumeRecencyWeight       float64 `json:"volumeRecencyWeight" yaml:"volumeRecencyWeight"`

	// Latest/average interval ratios inside [GapLowerRatio, GapUpperRatio]
	// score 100.
	GapLowerRatio float64 `json:"gapLowerRatio" yaml:"gapLowerRatio"`
	GapUpperRatio float64 `json:"gapUpperRatio" yaml:"gapUpperRatio"`

	// GapDecaySpan is the distance in |ln ratio| beyond the band over which
	// the gap score falls to zero.
	GapDecaySpan float64 `json:"gapDecaySpan" yaml:"gapDecaySpan"`

	// VolumeSaturation is the purchase count scale of 1-exp(-n/s).
	VolumeSaturation float64 `json:"volumeSaturation" yaml:"volumeSaturation"`

	// RecencyDecayRatio is the days-since-last/average ratio at which the
	// recency sub-score reaches zero.
	RecencyDecayRatio float64 `json:"recencyDecayRatio" yaml:"recencyDecayRatio"`
}

// Weights returns the seven factor weights in scoring order.
func (s ScoringConfig) Weights() [7]float64 {
	return [7]float64{
		s.TrendStabilityWeight,
		s.RelationshipAgeWeight,
		s.QuantityConsistencyWeight,
		s.SeasonalConsistencyWeight,
		s.PriceStabilityWeight,
		s.GapAnalysisWeight,
		s.VolumeRecencyWeight,
	}
}

// DefaultScoringConfig returns the standard factor weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		TrendStabilityWeight:      0.25,
		RelationshipAgeWeight:     0.20,
		QuantityConsistencyWeight: 0.15,
		SeasonalConsistencyWeight: 0.10,
		PriceStabilityWeight:      0.10,
		GapAnalysisWeight:         0.10,
		VolumeRecencyWeight:       0.10,
		GapLowerRatio:             0.5,
		GapUpperRatio:             2.0,
		GapDecaySpan:              math.Ln2 * 2,
		VolumeSaturation:          5,
		RecencyDecayRatio:         4,
	}
}

// DefaultClassifierConfig returns the standard 30/60/90/180 tier table.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Basis:                  BasisSinceLastPurchase,
		AtRiskDays:             30,
		AtRiskUpperDays:        60,
		AtHighRiskDays:         90,
		LikelyLostDays:         180,
		ActionNeededMultiplier: 0.9,
		AtRiskMultiplier:       0.8,
		AtRiskUpperMultiplier:  0.6,
		AtHighRiskMultiplier:   0.4,
		LikelyLostMultiplier:   0.2,
		LikelyLostCap:          20,
	}
}

// DefaultEngineConfig returns the standard engine policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		GraceDays:               7,
		UpcomingLookaheadDays:   30,
		ComplianceToleranceDays: 7,
		IrregularCVThreshold:    0.5,
		HighConfidenceThreshold: 70,
		LikelyLostMinDays:       180,
		Scoring:                 DefaultScoringConfig(),
		Classifier:              DefaultClassifierConfig(),
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./refill.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: DefaultEngineConfig(),
		Reload: ReloadConfig{
			OnStart:  true,
			TopPairs: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "refill",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "refill",
		PostgresSSLMode: "disable",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       60,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
