// Package session runs scan sessions: it feeds advertisements from a Scanner
// through the codec into a per-session sliding window.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller owns every live session. Sessions never share state.
type Controller struct {
	scanner Scanner
	gatt    GattReader
	logger  *zap.Logger
	clock   Clock
	onError ErrorSink
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithGattReader enables the GATT read arm of FolkGatt sessions.
func WithGattReader(r GattReader) ControllerOption {
	return func(c *Controller) { c.gatt = r }
}

// WithClock replaces the wall clock used for receipt timestamps and pruning.
func WithClock(clock Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithErrorSink receives rejected GATT payloads.
func WithErrorSink(sink ErrorSink) ControllerOption {
	return func(c *Controller) { c.onError = sink }
}

// NewController creates a controller around the given scanner.
func NewController(scanner Scanner, logger *zap.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		scanner:  scanner,
		logger:   logger.Named("session"),
		clock:    systemClock,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates cfg, creates a fresh window and activates the scanner.
//
// When the scanner reports ErrPlatformUnavailable or ErrPermissionDenied the
// session is still returned in the matching terminal state, along with the
// wrapped error. Such sessions are not kept by the controller.
func (c *Controller) Start(ctx context.Context, cfg ScanConfig) (*Session, error) {
	if c.scanner == nil {
		return nil, errNoScanner
	}

	id := c.newID()
	logger := c.logger.With(zap.String("session_id", id))

	cfg, err := cfg.normalize(logger)
	if err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}

	opts := codec.Options{ManufacturerID: cfg.ManufacturerID, ManufacturerFilter: cfg.ManufacturerFilter}
	decoders := make([]codec.DecodeFunc, 0, len(cfg.Formats))
	for _, f := range cfg.Formats {
		decode, err := codec.NewDecoder(f, opts)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		decoders = append(decoders, decode)
	}

	var aggOpts []aggregator.Option
	if cfg.KeyFunc != nil {
		aggOpts = append(aggOpts, aggregator.WithKeyFunc(cfg.KeyFunc))
	}

	s := &Session{
		id:          id,
		cfg:         cfg,
		startedAt:   time.Now().UTC(),
		logger:      logger,
		agg:         aggregator.New(cfg.WindowMs, aggOpts...),
		decoders:    decoders,
		formats:     cfg.Formats,
		scanner:     c.scanner,
		gate:        newConnectGate(cfg.GattGateMs),
		clock:       c.clock,
		onError:     c.onError,
		inbox:       make(chan model.RawAdvertisement, inboxSize),
		gattResults: make(chan model.FolkGattSighting, 8),
		state:       StateStarting,
		subs:        make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
	if cfg.has(model.FormatFolkGatt) {
		s.gatt = c.gatt
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx)

	if err := c.scanner.StartScan(ctx, cfg.scanRequest(id), s.deliver); err != nil {
		cancel()
		<-s.done
		s.fail(err)
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
		logger.Warn("scanner start failed", zap.Error(err), zap.Stringer("state", s.State()))
		return s, fmt.Errorf("start scan: %w", err)
	}

	s.mu.Lock()
	stoppedEarly := s.stopped
	if !stoppedEarly {
		s.state = StateScanning
	}
	s.mu.Unlock()
	if stoppedEarly {
		// Stop ran while the scanner was starting and could not stop it.
		if err := c.scanner.StopScan(ctx, id); err != nil {
			logger.Warn("scanner stop failed", zap.Error(err))
		}
		return s, nil
	}
	metrics.ActiveSessions.Inc()

	logger.Info("session started",
		zap.Stringers("formats", cfg.Formats),
		zap.Int64("window_ms", cfg.WindowMs),
		zap.Int64("prune_interval_ms", cfg.PruneIntervalMs),
		zap.String("scanner_id", cfg.ScannerID),
	)
	return s, nil
}

// Get returns a session by id.
func (c *Controller) Get(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// List returns every known session, oldest first.
func (c *Controller) List() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].startedAt.Before(out[j].startedAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Stop stops and forgets a session.
func (c *Controller) Stop(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.Stop(ctx)
}

// StopAll stops every session; used on shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for id, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			c.logger.Warn("stop session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}
