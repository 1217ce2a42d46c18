package config

import (
	"strconv"
	"strings"
)

// fileConfig mirrors the TOML layout of BEACON_CONFIG_FILE:
//
//	[monitor]
//	latitude = 39.9526
//	longitude = -75.1652
//
//	[nws]
//	user_agent = "BeaconEmergencyApp/1.0 (ops@example.com)"
//	rate_limit = 2.0
//
//	[kafka]
//	enabled = true
//	brokers = ["kafka:9092"]
//
// Pointer fields distinguish "absent" from a zero value.
type fileConfig struct {
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Monitor struct {
		Latitude  *float64 `toml:"latitude"`
		Longitude *float64 `toml:"longitude"`
	} `toml:"monitor"`
	NWS struct {
		BaseURL          string   `toml:"base_url"`
		UserAgent        string   `toml:"user_agent"`
		Timeout          string   `toml:"timeout"`
		RateLimit        *float64 `toml:"rate_limit"`
		RateBurst        *int     `toml:"rate_burst"`
		BreakerFailures  *int     `toml:"breaker_failures"`
		BreakerOpenDelay string   `toml:"breaker_open_delay"`
	} `toml:"nws"`
	Fetch struct {
		CacheTTL    string `toml:"cache_ttl"`
		Attempts    *int   `toml:"attempts"`
		BaseBackoff string `toml:"base_backoff"`
	} `toml:"fetch"`
	Kafka struct {
		Enabled *bool    `toml:"enabled"`
		Brokers []string `toml:"brokers"`
		Topic   string   `toml:"topic"`
	} `toml:"kafka"`
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func joinBrokers(brokers []string) string {
	return strings.Join(brokers, ",")
}
