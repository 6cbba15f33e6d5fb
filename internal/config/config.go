// Package config loads service settings from the environment, optionally
// overlaid by a YAML file named in AQ_CONFIG.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service settings.
type Config struct {
	HTTPAddr          string        `yaml:"http_addr"`
	DatabaseURL       string        `yaml:"database_url"`
	Store             string        `yaml:"store"`
	SessionSecret     string        `yaml:"session_secret"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	WebhookMaxSkew    time.Duration `yaml:"webhook_max_skew"`
	PublicBaseURL     string        `yaml:"public_base_url"`
	MaxPerPage        int           `yaml:"max_per_page"`
	DefaultPerPage    int           `yaml:"default_per_page"`
	DataPointsPerPage int           `yaml:"data_points_per_page"`
	ModelsDir         string        `yaml:"models_dir"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	AllowedPollutants []string      `yaml:"allowed_pollutants"`
	MaxAgeOnMap       time.Duration `yaml:"max_age_on_map"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	ExportBucket      string        `yaml:"export_bucket"`
	ExportRoot        string        `yaml:"export_root"`
	ExportEndpoint    string        `yaml:"export_endpoint"`
	ExportToken       string        `yaml:"export_token"`
	MQTTBroker        string        `yaml:"mqtt_broker"`
	MQTTTopic         string        `yaml:"mqtt_topic"`
	MQTTClientID      string        `yaml:"mqtt_client_id"`
	ErrorDSN          string        `yaml:"error_dsn"`
	ServiceName       string        `yaml:"service_name"`
}

// Load reads the environment, then the YAML overlay, then validates.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		Store:             getenvDefault("STORE", "postgres"),
		SessionSecret:     getenvDefault("SESSION_SECRET", ""),
		WebhookSecret:     getenvDefault("WEBHOOK_SECRET", ""),
		WebhookMaxSkew:    getenvDuration("WEBHOOK_MAX_SKEW", 5*time.Minute),
		PublicBaseURL:     getenvDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		MaxPerPage:        getenvIntDefault("MAX_PER_PAGE", 10000),
		DefaultPerPage:    getenvIntDefault("DEFAULT_PER_PAGE", 50),
		DataPointsPerPage: getenvIntDefault("DATA_POINTS_PER_PAGE", 100),
		ModelsDir:         getenvDefault("MODELS_DIR", "var/models"),
		AllowedExtensions: splitCSV(getenvDefault("ALLOWED_EXTENSIONS", "yaml,yml,json")),
		AllowedPollutants: splitCSV(getenvDefault("ALLOWED_POLLUTANTS", "so2,h2s,pm25,pm10")),
		MaxAgeOnMap:       time.Duration(getenvIntDefault("MAX_AGE_ON_MAP_HRS", 12)) * time.Hour,
		RedisAddr:         getenvDefault("REDIS_ADDR", ""),
		RedisPassword:     getenvDefault("REDIS_PASSWORD", ""),
		ExportBucket:      getenvDefault("EXPORT_BUCKET", "airquality-exports"),
		ExportRoot:        getenvDefault("EXPORT_ROOT", "var/exports"),
		ExportEndpoint:    getenvDefault("EXPORT_ENDPOINT", ""),
		ExportToken:       getenvDefault("EXPORT_TOKEN", ""),
		MQTTBroker:        getenvDefault("MQTT_BROKER", ""),
		MQTTTopic:         getenvDefault("MQTT_TOPIC", "particle/+/events"),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "airquality-cloud"),
		ErrorDSN:          getenvDefault("ERROR_DSN", ""),
		ServiceName:       getenvDefault("SERVICE_NAME", "airquality-cloud"),
	}

	if path := os.Getenv("AQ_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return cfg, cfg.Validate()
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required")
		}
	case "memory":
	default:
		return errors.New("config: STORE must be postgres or memory")
	}
	if c.MaxPerPage < 1 {
		return errors.New("config: MAX_PER_PAGE must be positive")
	}
	if c.DefaultPerPage < 1 || c.DefaultPerPage > c.MaxPerPage {
		return errors.New("config: DEFAULT_PER_PAGE must be within [1, MAX_PER_PAGE]")
	}
	if c.DataPointsPerPage < 1 {
		return errors.New("config: DATA_POINTS_PER_PAGE must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
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

func getenvDuration(key string, fallback time.Duration) time.Duration {
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

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
