package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the beacon monitor.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string

	// Session defaults applied when a start request leaves them unset.
	WindowMs        int64
	PruneIntervalMs int64
	ManufacturerID  uint16
	GattGateMs      int64
	GattTimeoutMs   int64

	MDNSEnabled  bool
	UplinkBroker string
	UplinkTopic  string

	// Warnings collects values that were replaced by defaults.
	Warnings []string
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/folkbears.db"
	defaultLogLevel        = "info"

	defaultWindowMs        int64  = 300_000
	defaultPruneIntervalMs int64  = 10_000
	defaultManufacturerID  uint16 = 0xFFFF
	defaultGattGateMs      int64  = 10_000
	defaultGattTimeoutMs   int64  = 5_000

	defaultUplinkTopic = "folkbears/rows"

	envPrefix = "FOLKBEARS_"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files (default .env) into
// the environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		WindowMs:        defaultWindowMs,
		PruneIntervalMs: defaultPruneIntervalMs,
		ManufacturerID:  defaultManufacturerID,
		GattGateMs:      defaultGattGateMs,
		GattTimeoutMs:   defaultGattTimeoutMs,
		MDNSEnabled:     true,
		UplinkTopic:     defaultUplinkTopic,
	}

	var err error
	if cfg.HTTPPort, err = envInt("HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = envInt("METRICS_PORT", cfg.MetricsPort); err != nil {
		return Config{}, err
	}
	cfg.MQTTBindAddress = envString("MQTT_BIND", cfg.MQTTBindAddress)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.UplinkBroker = envString("UPLINK_BROKER", cfg.UplinkBroker)
	cfg.UplinkTopic = envString("UPLINK_TOPIC", cfg.UplinkTopic)

	if cfg.MDNSEnabled, err = envBool("MDNS", cfg.MDNSEnabled); err != nil {
		return Config{}, err
	}

	for _, d := range []struct {
		name  string
		value *int64
		def   int64
	}{
		{"WINDOW", &cfg.WindowMs, defaultWindowMs},
		{"PRUNE_INTERVAL", &cfg.PruneIntervalMs, defaultPruneIntervalMs},
		{"GATT_GATE", &cfg.GattGateMs, defaultGattGateMs},
		{"GATT_TIMEOUT", &cfg.GattTimeoutMs, defaultGattTimeoutMs},
	} {
		v, err := envInt64(d.name, d.def)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s%s=%d is not positive, using %d", envPrefix, d.name, v, d.def))
			v = d.def
		}
		*d.value = v
	}

	if v := os.Getenv(envPrefix + "MANUFACTURER_ID"); v != "" {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 16)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %sMANUFACTURER_ID: %w", envPrefix, err)
		}
		cfg.ManufacturerID = uint16(id)
	}

	return cfg, nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(envPrefix + name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	return n, nil
}

func envInt64(name string, fallback int64) (int64, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	return n, nil
}

func envBool(name string, fallback bool) (bool, error) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	return b, nil
}
