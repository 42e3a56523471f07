package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/errors"
)

// Config represents the complete application configuration
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	RTPProxy  RTPProxyConfig  `json:"rtp_proxy"`
	Messaging MessagingConfig `json:"messaging"`
	Logging   LoggingConfig   `json:"logging"`
}

// HTTPConfig holds the signaling/HTTP front-end configuration
type HTTPConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	StaticDir     string `json:"static_dir"`
	EnableMetrics bool   `json:"enable_metrics"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
}

// RTPProxyConfig holds the relay control channel configuration
type RTPProxyConfig struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Timeout time.Duration `json:"timeout"`

	// ForceInterwork removes the secure m-line from generated SIP-side
	// offers so the proxy always performs SRTP interworking.
	ForceInterwork bool `json:"force_interwork"`
}

// MessagingConfig holds the optional AMQP call-event publishing configuration
type MessagingConfig struct {
	AMQPUrl   string `json:"-"`
	QueueName string `json:"queue_name"`
}

// Enabled reports whether AMQP publishing is configured
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != "" && m.QueueName != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads the configuration from the environment, loading a .env file
// first when one is present.
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{}

	config.HTTP.Host = getEnv("HTTP_HOST", "0.0.0.0")
	port, err := getEnvInt("HTTP_PORT", 8092)
	if err != nil {
		return nil, err
	}
	config.HTTP.Port = port
	config.HTTP.StaticDir = getEnv("STATIC_DIR", "")
	config.HTTP.EnableMetrics = getEnvBool("ENABLE_METRICS", true)
	config.HTTP.ReadTimeout = 30 * time.Second
	config.HTTP.WriteTimeout = 30 * time.Second

	config.RTPProxy.Host = getEnv("RTP_PROXY_HOST", "127.0.0.1")
	port, err = getEnvInt("RTP_PROXY_PORT", 22222)
	if err != nil {
		return nil, err
	}
	config.RTPProxy.Port = port

	timeout, err := getEnvDuration("RTP_PROXY_TIMEOUT", 4*time.Second)
	if err != nil {
		return nil, err
	}
	config.RTPProxy.Timeout = timeout
	config.RTPProxy.ForceInterwork = getEnvBool("RTP_PROXY_FORCE_INTERWORK", false)

	config.Messaging.AMQPUrl = getEnv("AMQP_URL", "")
	config.Messaging.QueueName = getEnv("AMQP_QUEUE_NAME", "rtcbridge_call_events")

	config.Logging.Level = getEnv("LOG_LEVEL", "info")
	config.Logging.Format = getEnv("LOG_FORMAT", "text")

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New(fmt.Sprintf("invalid HTTP port: %d", c.HTTP.Port))
	}
	if c.RTPProxy.Port <= 0 || c.RTPProxy.Port > 65535 {
		return errors.New(fmt.Sprintf("invalid RTP proxy port: %d", c.RTPProxy.Port))
	}
	if net.ParseIP(c.RTPProxy.Host) == nil {
		// Allow host names too; only reject the empty string
		if c.RTPProxy.Host == "" {
			return errors.New("RTP proxy host is not set")
		}
	}
	if c.RTPProxy.Timeout <= 0 {
		return errors.New("RTP proxy timeout must be positive")
	}
	return nil
}

// SetupLogger applies the logging configuration to the given logger
func (c *Config) SetupLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, defaulting to info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func loadDotEnv(logger *logrus.Logger) {
	for _, envFile := range []string{".env", "../.env"} {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if err := godotenv.Load(envFile); err == nil {
				absPath, _ := filepath.Abs(envFile)
				logger.WithField("path", absPath).Debug("Loaded .env file")
				return
			}
		}
	}
	logger.Debug("No .env file found, using environment variables only")
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("invalid value for %s", key))
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("invalid value for %s", key))
	}
	return parsed, nil
}
