package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from an optional TOML file and
// environment variables. Environment variables take precedence over the file.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// NWS API configuration.
	NWSBaseURL          string
	NWSUserAgent        string
	NWSTimeout          time.Duration
	NWSRateLimit        float64 // requests per second
	NWSRateBurst        int
	NWSBreakerFailures  uint32 // consecutive failures before the breaker opens
	NWSBreakerOpenDelay time.Duration

	// Alert fetch configuration.
	AlertCacheTTL    time.Duration
	FetchAttempts    int
	FetchBaseBackoff time.Duration

	// Monitored location. When unset the service waits for a location over HTTP.
	MonitorEnabled   bool
	MonitorLatitude  float64
	MonitorLongitude float64

	// Kafka bundle publishing.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from BEACON_CONFIG_FILE (if set) and environment
// variables, applying defaults where unset.
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("BEACON_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return load(file)
}

func load(file fileConfig) (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	nwsTimeout, err := parseDuration("NWS_TIMEOUT", file.NWS.Timeout, "10s")
	if err != nil {
		return nil, err
	}
	breakerDelay, err := parseDuration("NWS_BREAKER_OPEN_DELAY", file.NWS.BreakerOpenDelay, "30s")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration("ALERT_CACHE_TTL", file.Fetch.CacheTTL, "30s")
	if err != nil {
		return nil, err
	}
	baseBackoff, err := parseDuration("FETCH_BASE_BACKOFF", file.Fetch.BaseBackoff, "1s")
	if err != nil {
		return nil, err
	}

	rateLimit, err := strconv.ParseFloat(envOrFile("NWS_RATE_LIMIT", formatFloat(file.NWS.RateLimit), "2"), 64)
	if err != nil || rateLimit <= 0 {
		return nil, errors.New("invalid NWS_RATE_LIMIT")
	}
	rateBurst, err := strconv.Atoi(envOrFile("NWS_RATE_BURST", formatInt(file.NWS.RateBurst), "4"))
	if err != nil || rateBurst <= 0 {
		return nil, errors.New("invalid NWS_RATE_BURST")
	}
	breakerFailures, err := strconv.ParseUint(envOrFile("NWS_BREAKER_FAILURES", formatInt(file.NWS.BreakerFailures), "5"), 10, 32)
	if err != nil || breakerFailures == 0 {
		return nil, errors.New("invalid NWS_BREAKER_FAILURES")
	}
	attempts, err := strconv.Atoi(envOrFile("FETCH_ATTEMPTS", formatInt(file.Fetch.Attempts), "3"))
	if err != nil || attempts <= 0 {
		return nil, errors.New("invalid FETCH_ATTEMPTS")
	}

	cfg := &Config{
		HTTPAddr:        envOrFile("HTTP_ADDR", file.HTTP.Addr, ":8080"),
		LogLevel:        envOrFile("LOG_LEVEL", file.Log.Level, "info"),
		LogFormat:       envOrFile("LOG_FORMAT", file.Log.Format, "json"),
		ShutdownTimeout: shutdownTimeout,

		NWSBaseURL:          envOrFile("NWS_BASE_URL", file.NWS.BaseURL, "https://api.weather.gov"),
		NWSUserAgent:        envOrFile("NWS_USER_AGENT", file.NWS.UserAgent, "BeaconEmergencyApp/1.0 (emergency-contact@mathison.com)"),
		NWSTimeout:          nwsTimeout,
		NWSRateLimit:        rateLimit,
		NWSRateBurst:        rateBurst,
		NWSBreakerFailures:  uint32(breakerFailures),
		NWSBreakerOpenDelay: breakerDelay,

		AlertCacheTTL:    cacheTTL,
		FetchAttempts:    attempts,
		FetchBaseBackoff: baseBackoff,

		KafkaEnabled: envOrFile("KAFKA_ENABLED", formatBool(file.Kafka.Enabled), "false") == "true",
		KafkaBrokers: sharedcfg.ParseBrokers(envOrFile("KAFKA_BROKERS", joinBrokers(file.Kafka.Brokers), "localhost:9092")),
		KafkaTopic:   envOrFile("KAFKA_TOPIC", file.Kafka.Topic, "weather-alert-bundles"),
	}

	lat := envOrFile("MONITOR_LATITUDE", formatFloat(file.Monitor.Latitude), "")
	lng := envOrFile("MONITOR_LONGITUDE", formatFloat(file.Monitor.Longitude), "")
	if lat != "" || lng != "" {
		if lat == "" || lng == "" {
			return nil, errors.New("MONITOR_LATITUDE and MONITOR_LONGITUDE must be set together")
		}
		if cfg.MonitorLatitude, err = strconv.ParseFloat(lat, 64); err != nil {
			return nil, errors.New("invalid MONITOR_LATITUDE")
		}
		if cfg.MonitorLongitude, err = strconv.ParseFloat(lng, 64); err != nil {
			return nil, errors.New("invalid MONITOR_LONGITUDE")
		}
		cfg.MonitorEnabled = true
	}

	if cfg.NWSBaseURL == "" {
		return nil, errors.New("NWS_BASE_URL is required")
	}
	if cfg.NWSUserAgent == "" {
		return nil, errors.New("NWS_USER_AGENT is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is empty")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}

	return cfg, nil
}

// envOrFile returns the environment value for key, then the file value, then def.
func envOrFile(key, fileVal, def string) string {
	if fileVal != "" {
		def = fileVal
	}
	return sharedcfg.EnvOrDefault(key, def)
}

func parseDuration(key, fileVal, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrFile(key, fileVal, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
