package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"folkbears/go-beacon-monitor/internal/config"
	"folkbears/go-beacon-monitor/internal/session"
	"folkbears/go-beacon-monitor/internal/transmit"

	"go.uber.org/zap"
)

// sessionDefaults fill the parts of a start request the client leaves unset.
// They start from the environment and can be overridden through /api/config.
type sessionDefaults struct {
	WindowMs        int64  `json:"window_ms"`
	PruneIntervalMs int64  `json:"prune_interval_ms"`
	ManufacturerID  uint16 `json:"manufacturer_id"`
	GattGateMs      int64  `json:"gatt_gate_ms"`
	GattTimeoutMs   int64  `json:"gatt_timeout_ms"`
}

func defaultsFromConfig(cfg config.Config) sessionDefaults {
	return sessionDefaults{
		WindowMs:        cfg.WindowMs,
		PruneIntervalMs: cfg.PruneIntervalMs,
		ManufacturerID:  cfg.ManufacturerID,
		GattGateMs:      cfg.GattGateMs,
		GattTimeoutMs:   cfg.GattTimeoutMs,
	}
}

func (d sessionDefaults) apply(cfg session.ScanConfig) session.ScanConfig {
	if cfg.WindowMs == 0 {
		cfg.WindowMs = d.WindowMs
	}
	if cfg.PruneIntervalMs == 0 {
		cfg.PruneIntervalMs = d.PruneIntervalMs
	}
	if cfg.ManufacturerID == 0 {
		cfg.ManufacturerID = d.ManufacturerID
	}
	if cfg.GattGateMs == 0 {
		cfg.GattGateMs = d.GattGateMs
	}
	if cfg.GattTimeoutMs == 0 {
		cfg.GattTimeoutMs = d.GattTimeoutMs
	}
	return cfg
}

// set parses one persisted key. Unknown keys report ok=false.
func (d *sessionDefaults) set(key, value string) (ok bool, err error) {
	positive := func(dst *int64) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
		*dst = n
		return nil
	}

	switch key {
	case "window_ms":
		return true, positive(&d.WindowMs)
	case "prune_interval_ms":
		return true, positive(&d.PruneIntervalMs)
	case "gatt_gate_ms":
		return true, positive(&d.GattGateMs)
	case "gatt_timeout_ms":
		return true, positive(&d.GattTimeoutMs)
	case "manufacturer_id":
		id, err := transmit.ParseUint16Hex(value)
		if err != nil {
			return true, fmt.Errorf("%s: %w", key, err)
		}
		d.ManufacturerID = id
		return true, nil
	default:
		return false, nil
	}
}

func (a *App) loadPersistedDefaults(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Warn("failed to load persisted config", zap.Error(err))
		return
	}

	a.defaultsMu.Lock()
	defer a.defaultsMu.Unlock()
	for key, value := range persisted {
		if _, err := a.defaults.set(key, value); err != nil {
			a.logger.Warn("ignoring persisted config value", zap.String("key", key), zap.String("value", value), zap.Error(err))
		}
	}
}
