package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"councilsync/internal/ingest/models"
	id "councilsync/pkg/domain"
)

// Server captures process-level configuration. Built once in main and passed
// to each component; never a global mutable singleton.
type Server struct {
	Addr        string
	DatabaseURL string
	SourcesFile string

	Workers     int
	LeaseTTL    time.Duration
	OrphanAfter int

	Redis RedisConfig
	Kafka KafkaConfig
}

// RedisConfig configures the lease backend. An empty URL disables Redis and
// falls back to the in-process lease.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures change-event publication. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Server config from environment variables so main stays
// lean.
func FromEnv() Server {
	cfg := Server{
		Addr:        envOr("COUNCILSYNC_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SourcesFile: envOr("COUNCILSYNC_SOURCES", "sources.yaml"),
		Workers:     envInt("COUNCILSYNC_WORKERS", 4),
		LeaseTTL:    envDuration("COUNCILSYNC_LEASE_TTL", 2*time.Minute),
		OrphanAfter: envInt("COUNCILSYNC_ORPHAN_AFTER", 5),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Topic: envOr("KAFKA_EVENTS_TOPIC", "councilsync.entity-changes"),
		},
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitComma(brokers)
	}
	return cfg
}

// sourcesFile is the on-disk shape of the sources config.
type sourcesFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID                    string `yaml:"id"`
	Name                  string `yaml:"name"`
	BaseURL               string `yaml:"base_url"`
	Credential            string `yaml:"credential"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	MaxRetries            int    `yaml:"max_retries"`
	PageDelayMillis       int    `yaml:"page_delay_millis"`
	DefaultMode           string `yaml:"default_mode"`
}

// LoadSources reads the YAML sources file and applies per-source defaults.
func LoadSources(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}

	sources := make([]models.Source, 0, len(file.Sources))
	seen := make(map[string]bool, len(file.Sources))
	for _, entry := range file.Sources {
		if entry.ID == "" || entry.BaseURL == "" {
			return nil, fmt.Errorf("source entry needs id and base_url")
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("duplicate source id %q", entry.ID)
		}
		seen[entry.ID] = true

		mode, ok := models.ParseMode(entry.DefaultMode)
		if !ok {
			return nil, fmt.Errorf("source %q: unknown default_mode %q", entry.ID, entry.DefaultMode)
		}
		src := models.Source{
			ID:             id.SourceID(entry.ID),
			Name:           entry.Name,
			BaseURL:        entry.BaseURL,
			Credential:     entry.Credential,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     entry.MaxRetries,
			PageDelay:      time.Duration(entry.PageDelayMillis) * time.Millisecond,
			DefaultMode:    mode,
		}
		if entry.RequestTimeoutSeconds > 0 {
			src.RequestTimeout = time.Duration(entry.RequestTimeoutSeconds) * time.Second
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
