package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Twilio    TwilioConfig    `json:"twilio"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Relay     RelayConfig     `json:"relay"`
	Store     StoreConfig     `json:"store"`
	Messaging MessagingConfig `json:"messaging"`
	Logging   LoggingConfig   `json:"logging"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	EnableMetrics bool          `json:"enable_metrics"`

	// BaseURL is the externally reachable URL Twilio uses for webhooks
	// and the websocket stream, e.g. https://feedback.example.com
	BaseURL string `json:"base_url"`
}

// TwilioConfig holds outbound calling configuration
type TwilioConfig struct {
	AccountSID  string `json:"account_sid"`
	AuthToken   string `json:"-"`
	PhoneNumber string `json:"phone_number"`

	// RingTimeout is how long the call rings before giving up
	RingTimeout time.Duration `json:"ring_timeout"`
}

// OpenAIConfig holds realtime and summarization model configuration
type OpenAIConfig struct {
	APIKey        string `json:"-"`
	RealtimeModel string `json:"realtime_model"`
	ChatModel     string `json:"chat_model"`
	Voice         string `json:"voice"`

	// GuidanceFile points at the interview guidance text; a built-in
	// default is used when the file is missing
	GuidanceFile string `json:"guidance_file"`
}

// RelayConfig holds per-call relay tunables
type RelayConfig struct {
	// TerminationGrace is how long closing audio may keep playing after
	// the agent ends the conversation before connections are torn down
	TerminationGrace time.Duration `json:"termination_grace"`

	// MaxCallDuration is the hard ceiling on a single call
	MaxCallDuration time.Duration `json:"max_call_duration"`
}

// StoreConfig selects the session store backend
type StoreConfig struct {
	// Backend is "memory" or "redis"
	Backend string `json:"backend"`

	RedisAddress  string        `json:"redis_address"`
	RedisPassword string        `json:"-"`
	RedisDatabase int           `json:"redis_database"`
	RedisTTL      time.Duration `json:"redis_ttl"`
}

// MessagingConfig holds AMQP configuration; publishing is disabled when
// the URL is empty
type MessagingConfig struct {
	AMQPUrl       string `json:"-"`
	AMQPQueueName string `json:"amqp_queue_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads configuration from the environment, loading .env first if
// present. Missing required values are reported by Validate, not here,
// so callers get all problems at once.
func Load(logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Debug("No .env file loaded, using environment")
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:          getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:   getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			EnableMetrics: getEnvBool("HTTP_ENABLE_METRICS", true),
			BaseURL:       os.Getenv("BASE_URL"),
		},
		Twilio: TwilioConfig{
			AccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
			PhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
			RingTimeout: getEnvDuration("TWILIO_RING_TIMEOUT", 30*time.Second),
		},
		OpenAI: OpenAIConfig{
			APIKey:        os.Getenv("OPENAI_API_KEY"),
			RealtimeModel: getEnv("OPENAI_REALTIME_MODEL", "gpt-realtime"),
			ChatModel:     getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			Voice:         getEnv("OPENAI_VOICE", "marin"),
			GuidanceFile:  getEnv("GUIDANCE_FILE", "guidelines/guidelines.txt"),
		},
		Relay: RelayConfig{
			TerminationGrace: getEnvDuration("RELAY_TERMINATION_GRACE", 5*time.Second),
			MaxCallDuration:  getEnvDuration("RELAY_MAX_CALL_DURATION", 5*time.Minute),
		},
		Store: StoreConfig{
			Backend:       getEnv("SESSION_STORE_BACKEND", "memory"),
			RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDatabase: getEnvInt("REDIS_DATABASE", 0),
			RedisTTL:      getEnvDuration("REDIS_SESSION_TTL", 24*time.Hour),
		},
		Messaging: MessagingConfig{
			AMQPUrl:       os.Getenv("AMQP_URL"),
			AMQPQueueName: getEnv("AMQP_QUEUE_NAME", "feedback_events"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	var missing []string

	if c.Twilio.AccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.Twilio.AuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.Twilio.PhoneNumber == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.HTTP.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required configuration", map[string]interface{}{
			"variables": missing,
		}).WithCode("CONFIG_MISSING")
	}

	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		return errors.NewInvalidInput(fmt.Sprintf("unsupported session store backend %q", c.Store.Backend))
	}

	if c.Relay.TerminationGrace <= 0 {
		return errors.NewInvalidInput("RELAY_TERMINATION_GRACE must be positive")
	}
	if c.Relay.MaxCallDuration <= 0 {
		return errors.NewInvalidInput("RELAY_MAX_CALL_DURATION must be positive")
	}

	return nil
}

// ConfigureLogger applies the logging configuration to a logrus logger
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
