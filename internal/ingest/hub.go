package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/mqttbroker"
	"folkbears/go-beacon-monitor/internal/session"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 5 * time.Second
	// deviceRouteTTL bounds how long an address stays mapped to the gateway that last heard it.
	deviceRouteTTL       = 10 * time.Minute
	maxErrorPayload      = 4096
)

// Publisher sends a message to connected gateways.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Router registers MQTT handlers by topic filter.
type Router interface {
	Handle(filter string, h mqttbroker.Handler) error
}

// Recorder persists gateway activity and rejected payloads.
type Recorder interface {
	UpsertScanner(ctx context.Context, info model.ScannerInfo) error
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

type scannerState struct {
	info    model.ScannerInfo
	pending int64
}

type deviceRoute struct {
	scannerID string
	seen      time.Time
}

// Hub turns gateway traffic into advertisements for scan sessions. It is
// the session.Scanner, session.GattReader and transmit.Advertiser of the
// monitor, all carried over MQTT.
type Hub struct {
	logger       *zap.Logger
	pub          Publisher
	rec          Recorder
	now          func() time.Time
	advertiserID string

	mu     sync.RWMutex
	sinks  map[string]session.Sink
	closed bool

	regMu    sync.Mutex
	scanners map[string]*scannerState
	devices  map[string]deviceRoute

	pendMu  sync.Mutex
	pending map[string]chan GattResult
}

// Option configures a Hub.
type Option func(*Hub)

// WithRecorder persists scanner activity and ingestion errors.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) { h.rec = r }
}

// WithAdvertiser pins advertise commands to one gateway. By default they
// go to every gateway that has reported.
func WithAdvertiser(scannerID string) Option {
	return func(h *Hub) { h.advertiserID = scannerID }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub creates a hub that publishes requests through pub.
func NewHub(pub Publisher, logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:   logger,
		pub:      pub,
		now:      time.Now,
		sinks:    make(map[string]session.Sink),
		scanners: make(map[string]*scannerState),
		devices:  make(map[string]deviceRoute),
		pending:  make(map[string]chan GattResult),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the hub's gateway topics on r.
func (h *Hub) Routes(r Router) error {
	if err := r.Handle(TopicAdverts, h.handleAdvert); err != nil {
		return fmt.Errorf("route adverts: %w", err)
	}
	if err := r.Handle(TopicGattResults, h.handleGattResult); err != nil {
		return fmt.Errorf("route gatt results: %w", err)
	}
	return nil
}

// StartScan attaches sink to the advertisement stream.
func (h *Hub) StartScan(ctx context.Context, req session.ScanRequest, sink session.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("ingest hub closed: %w", session.ErrPlatformUnavailable)
	}
	h.sinks[req.SessionID] = sink
	h.logger.Info("scan attached",
		zap.String("session", req.SessionID),
		zap.String("scanner", req.ScannerID),
		zap.Int("service_hints", len(req.ServiceUUIDs)),
		zap.Int("manufacturer_hints", len(req.ManufacturerIDs)),
	)
	return nil
}

// StopScan detaches the session's sink. Unknown sessions are ignored.
func (h *Hub) StopScan(_ context.Context, sessionID string) error {
	h.mu.Lock()
	delete(h.sinks, sessionID)
	h.mu.Unlock()
	return nil
}

// Close stops accepting new scans and drops attached sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.sinks = make(map[string]session.Sink)
	h.mu.Unlock()
}

func (h *Hub) handleAdvert(_ context.Context, msg mqttbroker.Message) {
	scannerID := mqttbroker.TopicLevel(msg.Topic, 1)

	var env AdvertEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		h.reject("adverts", msg.Topic, msg.Payload, fmt.Errorf("decode envelope: %w", err))
		return
	}
	if err := env.validate(); err != nil {
		h.reject("adverts", msg.Topic, msg.Payload, err)
		return
	}

	ad := env.Data
	if len(env.ScanResponse) > 0 {
		ad = append(append([]byte(nil), env.Data...), env.ScanResponse...)
	}
	fields, err := codec.ParseAdvertisingData(ad)
	if err != nil {
		h.reject("adverts", msg.Topic, msg.Payload, err)
		return
	}

	now := h.now()
	address := strings.ToUpper(env.Address)
	raw := fields.Advertisement(scannerID, address, env.RSSI, now.UnixMilli())
	if env.TxPower != nil {
		raw.TxPowerHint = env.TxPower
	}

	h.track(scannerID, msg.ClientID, address, env.RSSI, now)
	metrics.AdvertsIngested.WithLabelValues(scannerID).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sink := range h.sinks {
		sink(raw)
	}
}

func (h *Hub) track(scannerID, clientID, address string, rssi int, now time.Time) {
	h.regMu.Lock()
	defer h.regMu.Unlock()

	st, ok := h.scanners[scannerID]
	if !ok {
		st = &scannerState{info: model.ScannerInfo{ScannerID: scannerID}}
		h.scanners[scannerID] = st
		h.logger.Info("scanner online", zap.String("scanner", scannerID), zap.String("client", clientID))
	}
	if clientID != "" {
		st.info.ClientID = clientID
	}
	st.info.Adverts++
	st.info.LastAddress = address
	st.info.LastRSSI = rssi
	st.info.LastSeen = now
	st.pending++

	h.devices[address] = deviceRoute{scannerID: scannerID, seen: now}
}

// Scanners returns the gateways heard since start, ordered by id.
func (h *Hub) Scanners() []model.ScannerInfo {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	out := make([]model.ScannerInfo, 0, len(h.scanners))
	for _, st := range h.scanners {
		out = append(out, st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScannerID < out[j].ScannerID })
	return out
}

// Flush writes advert counts gathered since the last flush to the recorder
// and forgets stale device routes.
func (h *Hub) Flush(ctx context.Context) error {
	h.regMu.Lock()
	var batch []model.ScannerInfo
	for _, st := range h.scanners {
		if st.pending == 0 {
			continue
		}
		info := st.info
		info.Adverts = st.pending
		batch = append(batch, info)
		st.pending = 0
	}
	cutoff := h.now().Add(-deviceRouteTTL)
	for addr, r := range h.devices {
		if r.seen.Before(cutoff) {
			delete(h.devices, addr)
		}
	}
	h.regMu.Unlock()

	if h.rec == nil {
		return nil
	}
	var errs []error
	for _, info := range batch {
		if err := h.rec.UpsertScanner(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run flushes periodically until ctx is cancelled, then flushes once more.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.Flush(fctx); err != nil {
				h.logger.Warn("final scanner flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := h.Flush(ctx); err != nil {
				h.logger.Warn("scanner flush failed", zap.Error(err))
			}
		}
	}
}

// ReportError records a payload rejected after receipt. It matches
// session.ErrorSink; the part of source before ':' is the metric label.
func (h *Hub) ReportError(source string, payload []byte, err error) {
	kind, _, _ := strings.Cut(source, ":")
	h.reject(kind, source, payload, err)
}

func (h *Hub) reject(kind, source string, payload []byte, err error) {
	metrics.IngestErrors.WithLabelValues(kind).Inc()
	h.logger.Warn("rejected payload", zap.String("source", source), zap.Error(err))

	if h.rec == nil {
		return
	}
	if len(payload) > maxErrorPayload {
		payload = payload[:maxErrorPayload]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if rerr := h.rec.InsertIngestionError(ctx, model.IngestionError{
		Source:  source,
		Payload: string(payload),
		Error:   err.Error(),
	}); rerr != nil {
		h.logger.Error("failed to persist ingestion error", zap.Error(rerr))
	}
}
