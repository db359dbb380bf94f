package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the PairBeat sync daemon.
type Config struct {
	HTTPPort       int
	StoreBaseURL   string
	StoreToken     string
	DeviceID       string
	BrokerAddress  string
	EmbeddedBroker bool
	MQTTBind       string
	StatePath      string
	LogLevel       string

	HeartbeatDebounce    time.Duration
	HeartbeatSendTimeout time.Duration
	HeartbeatMaxRetries  int
	HeartbeatMaxBackoff  time.Duration
	FlushInterval        time.Duration

	PairingSessionTTL time.Duration

	MaxLocationAccuracy       float64
	MaxLocationAge            time.Duration
	PublishInterval           time.Duration
	PublishIntervalContinuous time.Duration
	RefreshInterval           time.Duration
	RefreshIntervalContinuous time.Duration
	LocationTTL               time.Duration
	NearbyCandidateMeters     float64
	ProximityMeters           float64
	EncounterCooldown         time.Duration
}

const (
	defaultHTTPPort      = 8080
	defaultStoreBaseURL  = "http://localhost:9000"
	defaultBrokerAddress = "tcp://localhost:1883"
	defaultMQTTBind      = ":1883"
	defaultStatePath     = "data/pairbeat.db"
	defaultLogLevel      = "info"
)

// Load derives configuration values from environment variables, falling
// back to the design defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:       defaultHTTPPort,
		StoreBaseURL:   defaultStoreBaseURL,
		BrokerAddress:  defaultBrokerAddress,
		MQTTBind:       defaultMQTTBind,
		StatePath:      defaultStatePath,
		LogLevel:       defaultLogLevel,
		EmbeddedBroker: false,

		HeartbeatDebounce:    2 * time.Second,
		HeartbeatSendTimeout: 10 * time.Second,
		HeartbeatMaxRetries:  2,
		HeartbeatMaxBackoff:  30 * time.Second,
		FlushInterval:        5 * time.Minute,

		PairingSessionTTL: 10 * time.Minute,

		MaxLocationAccuracy:       100,
		MaxLocationAge:            2 * time.Minute,
		PublishInterval:           180 * time.Second,
		PublishIntervalContinuous: 60 * time.Second,
		RefreshInterval:           60 * time.Second,
		RefreshIntervalContinuous: 30 * time.Second,
		LocationTTL:               10 * time.Minute,
		NearbyCandidateMeters:     1000,
		ProximityMeters:           100,
		EncounterCooldown:         30 * time.Minute,
	}

	if v := os.Getenv("PAIRBEAT_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAIRBEAT_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("PAIRBEAT_STORE_URL"); v != "" {
		cfg.StoreBaseURL = v
	}

	if v := os.Getenv("PAIRBEAT_STORE_TOKEN"); v != "" {
		cfg.StoreToken = v
	}

	if v := os.Getenv("PAIRBEAT_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}

	if v := os.Getenv("PAIRBEAT_BROKER"); v != "" {
		cfg.BrokerAddress = v
	}

	if v := os.Getenv("PAIRBEAT_EMBEDDED_BROKER"); v != "" {
		cfg.EmbeddedBroker = v == "1" || v == "true"
	}

	if v := os.Getenv("PAIRBEAT_MQTT_BIND"); v != "" {
		cfg.MQTTBind = v
	}

	if v := os.Getenv("PAIRBEAT_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}

	if v := os.Getenv("PAIRBEAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PAIRBEAT_HEARTBEAT_DEBOUNCE", &cfg.HeartbeatDebounce},
		{"PAIRBEAT_SEND_TIMEOUT", &cfg.HeartbeatSendTimeout},
		{"PAIRBEAT_MAX_BACKOFF", &cfg.HeartbeatMaxBackoff},
		{"PAIRBEAT_FLUSH_INTERVAL", &cfg.FlushInterval},
		{"PAIRBEAT_PAIRING_TTL", &cfg.PairingSessionTTL},
		{"PAIRBEAT_MAX_LOCATION_AGE", &cfg.MaxLocationAge},
		{"PAIRBEAT_PUBLISH_INTERVAL", &cfg.PublishInterval},
		{"PAIRBEAT_CONTINUOUS_PUBLISH", &cfg.PublishIntervalContinuous},
		{"PAIRBEAT_REFRESH_INTERVAL", &cfg.RefreshInterval},
		{"PAIRBEAT_CONTINUOUS_REFRESH", &cfg.RefreshIntervalContinuous},
		{"PAIRBEAT_LOCATION_TTL", &cfg.LocationTTL},
		{"PAIRBEAT_ENCOUNTER_COOLDOWN", &cfg.EncounterCooldown},
	}
	for _, d := range durations {
		if err := overrideDuration(d.name, d.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"PAIRBEAT_MAX_ACCURACY", &cfg.MaxLocationAccuracy},
		{"PAIRBEAT_NEARBY_METERS", &cfg.NearbyCandidateMeters},
		{"PAIRBEAT_PROXIMITY_METERS", &cfg.ProximityMeters},
	}
	for _, f := range floats {
		if err := overrideFloat(f.name, f.dst); err != nil {
			return Config{}, err
		}
	}

	if err := overrideInt("PAIRBEAT_MAX_RETRIES", &cfg.HeartbeatMaxRetries); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func overrideDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func overrideFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = f
	return nil
}

func overrideInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}
