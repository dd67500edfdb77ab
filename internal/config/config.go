package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Source transports.
const (
	TransportMQTT  = "mqtt"
	TransportSpool = "spool"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	AuthToken    string        `env:"AUTH_TOKEN"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`

	// Empty DatabaseURL with no EmbeddedDBDir keeps everything in memory.
	DatabaseURL    string `env:"DATABASE_URL"`
	EmbeddedDBDir  string `env:"EMBEDDED_DB_DIR"`
	EmbeddedDBPort uint32 `env:"EMBEDDED_DB_PORT" envDefault:"5433"`

	SourceTransport string `env:"SOURCE_TRANSPORT" envDefault:"mqtt"`
	SpoolDir        string `env:"SPOOL_DIR" envDefault:"./spool"`

	MQTTBrokerURL    string `env:"MQTT_BROKER_URL" envDefault:"tcp://localhost:1883"`
	MQTTClientID     string `env:"MQTT_CLIENT_ID" envDefault:"coachline"`
	MQTTUsername     string `env:"MQTT_USERNAME"`
	MQTTPassword     string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix  string `env:"MQTT_TOPIC_PREFIX" envDefault:"coachline"`
	MQTTEmbedded     bool   `env:"MQTT_EMBEDDED" envDefault:"false"`
	MQTTEmbeddedAddr string `env:"MQTT_EMBEDDED_ADDR" envDefault:":1883"`

	ClassifierURL    string        `env:"CLASSIFIER_URL"`
	ClassifierToken  string        `env:"CLASSIFIER_TOKEN"`
	ClassifyTimeout  time.Duration `env:"CLASSIFY_TIMEOUT" envDefault:"1500ms"`
	ClassifyCacheTTL time.Duration `env:"CLASSIFY_CACHE_TTL" envDefault:"5m"`

	DedupOverlapRatio   float64 `env:"DEDUP_OVERLAP_RATIO" envDefault:"0.5"`
	DedupTextSimilarity float64 `env:"DEDUP_TEXT_SIMILARITY" envDefault:"0.8"`
	EchoThreshold       float64 `env:"ECHO_THRESHOLD" envDefault:"0.6"`

	CoachTickInterval        time.Duration `env:"COACH_TICK_INTERVAL" envDefault:"250ms"`
	CoachSilenceGap          time.Duration `env:"COACH_SILENCE_GAP" envDefault:"8s"`
	CoachEndedResetDelay     time.Duration `env:"COACH_ENDED_RESET_DELAY" envDefault:"3s"`
	CoachMinSpeechConfidence float64       `env:"COACH_MIN_SPEECH_CONFIDENCE" envDefault:"0.6"`
	NudgeDismissAfter        time.Duration `env:"NUDGE_DISMISS_AFTER" envDefault:"5s"`

	AudioLevelInterval time.Duration `env:"AUDIO_LEVEL_INTERVAL" envDefault:"100ms"`

	ArchiveDir       string        `env:"ARCHIVE_DIR"`
	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION"` // local documents only; 0 keeps forever
	S3              S3Config
	LiveReplaySize  int           `env:"LIVE_REPLAY_SIZE" envDefault:"512"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// S3Config configures the optional S3 session archive. Bucket empty = disabled.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX" envDefault:"sessions"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SourceTransport {
	case TransportMQTT, TransportSpool:
	default:
		return fmt.Errorf("SOURCE_TRANSPORT must be %q or %q, got %q", TransportMQTT, TransportSpool, c.SourceTransport)
	}
	for name, v := range map[string]float64{
		"DEDUP_OVERLAP_RATIO":         c.DedupOverlapRatio,
		"DEDUP_TEXT_SIMILARITY":       c.DedupTextSimilarity,
		"ECHO_THRESHOLD":              c.EchoThreshold,
		"COACH_MIN_SPEECH_CONFIDENCE": c.CoachMinSpeechConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.CoachTickInterval <= 0 {
		return fmt.Errorf("COACH_TICK_INTERVAL must be positive")
	}
	return nil
}
