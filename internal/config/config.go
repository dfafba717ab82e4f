// Package config loads pod runtime configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the pod's runtime configuration.
type Config struct {
	PodID            string
	ListenAddr       string
	EdgeTokenSecret  []byte
	StreamURL        string
	OpStoreURL       string
	IdleRoomGrace    time.Duration
	PresenceTTL      time.Duration
	EgressBytes      int
	EgressFrames     int
	SlowClientTO     time.Duration
	DrainTimeout     time.Duration
	StreamMaxEntries int64
	StreamMaxAge     time.Duration
	LogLevel         string
	AllowedOrigins   []string
	MaxRooms         int
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults installs the pod's numeric and scheduling defaults.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("idle_room_grace_s", 60)
	v.SetDefault("presence_ttl_s", 120)
	v.SetDefault("egress_bytes", 64*1024)
	v.SetDefault("egress_frames", 256)
	v.SetDefault("slow_client_timeout_ms", 1000)
	v.SetDefault("drain_timeout_s", 10)
	v.SetDefault("stream_max_entries", 1000)
	v.SetDefault("stream_max_age_s", 60)
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("max_rooms", 0)
}

// Load builds and validates a Config from the given viper instance.
func Load(v *viper.Viper) (*Config, error) {
	podID := v.GetString("pod_id")
	if strings.TrimSpace(podID) == "" {
		return nil, fmt.Errorf("config: POD_ID is required")
	}

	secret := v.GetString("edge_token_secret")
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("config: EDGE_TOKEN_SECRET is required")
	}

	streamURL := v.GetString("stream_url")
	if strings.TrimSpace(streamURL) == "" {
		return nil, fmt.Errorf("config: STREAM_URL is required")
	}

	opStoreURL := v.GetString("op_store_url")
	if strings.TrimSpace(opStoreURL) == "" {
		return nil, fmt.Errorf("config: OP_STORE_URL is required")
	}

	cfg := &Config{
		PodID:            podID,
		ListenAddr:       v.GetString("listen_addr"),
		EdgeTokenSecret:  []byte(secret),
		StreamURL:        streamURL,
		OpStoreURL:       opStoreURL,
		IdleRoomGrace:    time.Duration(v.GetInt64("idle_room_grace_s")) * time.Second,
		PresenceTTL:      time.Duration(v.GetInt64("presence_ttl_s")) * time.Second,
		EgressBytes:      v.GetInt("egress_bytes"),
		EgressFrames:     v.GetInt("egress_frames"),
		SlowClientTO:     time.Duration(v.GetInt64("slow_client_timeout_ms")) * time.Millisecond,
		DrainTimeout:     time.Duration(v.GetInt64("drain_timeout_s")) * time.Second,
		StreamMaxEntries: v.GetInt64("stream_max_entries"),
		StreamMaxAge:     time.Duration(v.GetInt64("stream_max_age_s")) * time.Second,
		LogLevel:         v.GetString("log_level"),
		AllowedOrigins:   strings.Split(v.GetString("allowed_origins"), ","),
		MaxRooms:         v.GetInt("max_rooms"),
	}

	if cfg.EgressBytes <= 0 {
		return nil, fmt.Errorf("config: EGRESS_BYTES must be positive")
	}
	if cfg.EgressFrames <= 0 {
		return nil, fmt.Errorf("config: EGRESS_FRAMES must be positive")
	}

	return cfg, nil
}
