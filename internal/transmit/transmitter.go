package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"

	"go.uber.org/zap"
)

// ErrNotAdvertising is returned by Stop when no cycle is running.
var ErrNotAdvertising = errors.New("not advertising")

// Advertiser is the platform side of a transmission.
type Advertiser interface {
	StartAdvertising(ctx context.Context, packet model.AdvertisePacket) error
	StopAdvertising(ctx context.Context) error
}

// Cycle is one advertisement being transmitted.
type Cycle struct {
	Format model.Format          `json:"format"`
	Packet model.AdvertisePacket `json:"packet"`
	// TempID is the identity the cycle carries, when the format has one.
	TempID    string    `json:"temp_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Transmitter runs at most one Cycle at a time.
type Transmitter struct {
	adv    Advertiser
	logger *zap.Logger

	mu     sync.Mutex
	active *Cycle
}

func NewTransmitter(adv Advertiser, logger *zap.Logger) *Transmitter {
	return &Transmitter{adv: adv, logger: logger.Named("transmit")}
}

// Start replaces any running cycle with c.
func (t *Transmitter) Start(ctx context.Context, c Cycle) (Cycle, error) {
	if _, err := codec.BuildAdvertisingData(c.Packet); err != nil {
		return Cycle{}, fmt.Errorf("encode advertisement: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		if err := t.stopLocked(ctx); err != nil {
			return Cycle{}, err
		}
	}

	if err := t.adv.StartAdvertising(ctx, c.Packet); err != nil {
		return Cycle{}, fmt.Errorf("start advertising: %w", err)
	}
	c.StartedAt = time.Now().UTC()
	t.active = &c
	metrics.AdvertisingActive.Set(1)

	t.logger.Info("advertising started", zap.Stringer("format", c.Format), zap.String("temp_id", c.TempID))
	return c, nil
}

// Stop ends the running cycle.
func (t *Transmitter) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return ErrNotAdvertising
	}
	return t.stopLocked(ctx)
}

func (t *Transmitter) stopLocked(ctx context.Context) error {
	if err := t.adv.StopAdvertising(ctx); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	t.logger.Info("advertising stopped", zap.Stringer("format", t.active.Format))
	t.active = nil
	metrics.AdvertisingActive.Set(0)
	return nil
}

// Active returns the running cycle, if any.
func (t *Transmitter) Active() (Cycle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Cycle{}, false
	}
	return *t.active, true
}
