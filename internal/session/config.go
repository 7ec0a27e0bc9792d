package session

import (
	"context"
	"fmt"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPruneIntervalMs is the period of the window prune tick.
	DefaultPruneIntervalMs int64 = 10_000
	// DefaultGattTimeoutMs bounds one connect, read and disconnect sequence.
	DefaultGattTimeoutMs int64 = 5_000

	inboxSize = 256
	// publishInterval coalesces snapshot updates to subscribers.
	publishInterval = 100 * time.Millisecond
)

// ScanConfig describes one scan session.
type ScanConfig struct {
	// Formats to try in order. Empty means every format.
	Formats []model.Format `json:"formats,omitempty"`
	// ScannerID limits the session to one gateway. Empty accepts all.
	ScannerID       string `json:"scanner_id,omitempty"`
	WindowMs        int64  `json:"window_ms,omitempty"`
	PruneIntervalMs int64  `json:"prune_interval_ms,omitempty"`
	// ManufacturerID selects the block FormatManufacturer decodes.
	ManufacturerID     uint16                   `json:"manufacturer_id,omitempty"`
	ManufacturerFilter codec.ManufacturerFilter `json:"manufacturer_filter,omitempty"`
	GattGateMs         int64                    `json:"gatt_gate_ms,omitempty"`
	GattTimeoutMs      int64                    `json:"gatt_timeout_ms,omitempty"`

	KeyFunc aggregator.KeyFunc `json:"-"`
	// OnSighting is called from the session goroutine for every recorded sighting.
	OnSighting func(model.Sighting) `json:"-"`
}

// normalize fills defaults and clamps invalid values, logging each correction.
func (c ScanConfig) normalize(logger *zap.Logger) (ScanConfig, error) {
	if len(c.Formats) == 0 {
		c.Formats = append([]model.Format(nil), model.AllFormats...)
	}
	seen := make(map[model.Format]bool, len(c.Formats))
	formats := c.Formats[:0:0]
	for _, f := range c.Formats {
		if f < model.FormatIBeacon || f > model.FormatManufacturer {
			return ScanConfig{}, fmt.Errorf("unsupported format %s", f)
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	c.Formats = formats

	if c.WindowMs <= 0 {
		if c.WindowMs < 0 {
			logger.Warn("invalid window, using default", zap.Int64("window_ms", c.WindowMs))
		}
		c.WindowMs = aggregator.DefaultWindowMs
	}
	if c.PruneIntervalMs <= 0 {
		if c.PruneIntervalMs < 0 {
			logger.Warn("invalid prune interval, using default", zap.Int64("prune_interval_ms", c.PruneIntervalMs))
		}
		c.PruneIntervalMs = DefaultPruneIntervalMs
	}
	if c.ManufacturerID == 0 {
		c.ManufacturerID = codec.ExperimentalCompanyID
	}
	if c.GattGateMs <= 0 {
		c.GattGateMs = DefaultGattGateMs
	}
	if c.GattTimeoutMs <= 0 {
		c.GattTimeoutMs = DefaultGattTimeoutMs
	}
	return c, nil
}

func (c ScanConfig) has(f model.Format) bool {
	for _, x := range c.Formats {
		if x == f {
			return true
		}
	}
	return false
}

// scanRequest derives the platform hints for the configured formats.
func (c ScanConfig) scanRequest(sessionID string) ScanRequest {
	req := ScanRequest{SessionID: sessionID, ScannerID: c.ScannerID}
	for _, f := range c.Formats {
		switch f {
		case model.FormatIBeacon:
			req.ManufacturerIDs = append(req.ManufacturerIDs, codec.AppleCompanyID)
		case model.FormatFolkGatt:
			req.ServiceUUIDs = append(req.ServiceUUIDs, codec.FolkBearsServiceUUID)
		case model.FormatEnSim:
			req.ServiceUUIDs = append(req.ServiceUUIDs, codec.ENServiceUUID, codec.ENAltServiceUUID)
		case model.FormatManufacturer:
			req.ManufacturerIDs = append(req.ManufacturerIDs, c.ManufacturerID)
		}
	}
	return req
}

// ScanRequest tells a Scanner what a session is interested in.
// The hints are advisory; sessions still decode every advertisement.
type ScanRequest struct {
	SessionID       string
	ScannerID       string
	ServiceUUIDs    []uuid.UUID
	ManufacturerIDs []uint16
}

// Sink receives advertisements from a Scanner. It never blocks.
type Sink func(model.RawAdvertisement)

// Scanner is the platform side of a scan: it delivers raw advertisements
// to sink until StopScan returns.
type Scanner interface {
	StartScan(ctx context.Context, req ScanRequest, sink Sink) error
	StopScan(ctx context.Context, sessionID string) error
}

// GattReader performs the connect, read and disconnect sequence of the
// FolkBears GATT exchange.
type GattReader interface {
	// Connect returns the RSSI observed when the link came up.
	Connect(ctx context.Context, address string) (int, error)
	ReadCharacteristic(ctx context.Context, address string, service, characteristic uuid.UUID) ([]byte, error)
	Disconnect(ctx context.Context, address string) error
}

// ErrorSink is told about payloads that were rejected after receipt.
type ErrorSink func(source string, payload []byte, err error)

// Clock returns wall-clock milliseconds.
type Clock func() int64

func systemClock() int64 {
	return time.Now().UnixMilli()
}
