package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the base service configuration.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// CoreAddr is the websocket URL of the core session endpoint.
	CoreAddr string `yaml:"core_addr"`
	// TokenPath is the file persisting the core authorization token.
	TokenPath string `yaml:"token_path"`
	// DisplayName identifies this client in the core's extension list.
	DisplayName string `yaml:"display_name"`

	// QueueAckTimeoutMs bounds the wait for an unsubscribe acknowledgment
	// when the queue subscription switches zones.
	QueueAckTimeoutMs int `yaml:"queue_ack_timeout_ms"`
	// QueueMaxItems caps the number of queue items requested per
	// subscription.
	QueueMaxItems int `yaml:"queue_max_items"`
	// RequestQueueDepth sizes the bounded control-surface request queue
	// feeding the single-writer sync task.
	RequestQueueDepth int `yaml:"request_queue_depth"`
	// ObserverQueueDepth bounds a websocket observer's pending backlog
	// before it is collapsed to a snapshot.
	ObserverQueueDepth int `yaml:"observer_queue_depth"`

	ImageFetchTimeoutMs int `yaml:"image_fetch_timeout_ms"`
	ImageSizePx         int `yaml:"image_size_px"`
}

// Load reads configuration from an optional YAML file overlaid by
// environment variables. Environment wins, matching how the service is run
// under supervisors.
func Load() (Config, error) {
	cfg := Config{
		Host:                "0.0.0.0",
		Port:                "3000",
		CoreAddr:            "ws://localhost:9330/api",
		TokenPath:           "./roon-rd-config.json",
		DisplayName:         "Roon Remote Display",
		QueueAckTimeoutMs:   2000,
		QueueMaxItems:       100,
		RequestQueueDepth:   64,
		ObserverQueueDepth:  64,
		ImageFetchTimeoutMs: 10000,
		ImageSizePx:         300,
	}

	path := envString("ROON_RD_CONFIG", "./roon-rd.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Host = envString("HOST", cfg.Host)
	cfg.Port = envString("PORT", cfg.Port)
	cfg.CoreAddr = envString("ROON_CORE_ADDR", cfg.CoreAddr)
	cfg.TokenPath = envString("ROON_TOKEN_PATH", cfg.TokenPath)
	cfg.DisplayName = envString("ROON_DISPLAY_NAME", cfg.DisplayName)
	cfg.QueueAckTimeoutMs = envInt("QUEUE_ACK_TIMEOUT_MS", cfg.QueueAckTimeoutMs)
	cfg.QueueMaxItems = envInt("QUEUE_MAX_ITEMS", cfg.QueueMaxItems)
	cfg.RequestQueueDepth = envInt("REQUEST_QUEUE_DEPTH", cfg.RequestQueueDepth)
	cfg.ObserverQueueDepth = envInt("OBSERVER_QUEUE_DEPTH", cfg.ObserverQueueDepth)
	cfg.ImageFetchTimeoutMs = envInt("IMAGE_FETCH_TIMEOUT_MS", cfg.ImageFetchTimeoutMs)
	cfg.ImageSizePx = envInt("IMAGE_SIZE_PX", cfg.ImageSizePx)

	if !strings.HasPrefix(cfg.CoreAddr, "ws://") && !strings.HasPrefix(cfg.CoreAddr, "wss://") {
		return Config{}, fmt.Errorf("ROON_CORE_ADDR must be a ws:// or wss:// URL, got %q", cfg.CoreAddr)
	}
	if cfg.QueueAckTimeoutMs <= 0 {
		return Config{}, fmt.Errorf("QUEUE_ACK_TIMEOUT_MS must be positive")
	}

	return cfg, nil
}

// QueueAckTimeout returns the ack timeout as a duration.
func (c Config) QueueAckTimeout() time.Duration {
	return time.Duration(c.QueueAckTimeoutMs) * time.Millisecond
}

// ImageFetchTimeout returns the image fetch timeout as a duration.
func (c Config) ImageFetchTimeout() time.Duration {
	return time.Duration(c.ImageFetchTimeoutMs) * time.Millisecond
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
