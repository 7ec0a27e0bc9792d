package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"

	"go.uber.org/zap"
)

// Session is one scan: its own window, decoders and goroutine.
//
// All mutations of the window happen on the session goroutine. Scanner
// callbacks, GATT results and the prune tick are funnelled into it through
// channels; Snapshot reads a copy taken under the aggregator lock.
type Session struct {
	id        string
	cfg       ScanConfig
	startedAt time.Time
	logger    *zap.Logger

	agg      *aggregator.Aggregator
	decoders []codec.DecodeFunc
	formats  []model.Format
	scanner  Scanner
	gatt     GattReader
	gate     *connectGate
	clock    Clock
	onError  ErrorSink

	inbox       chan model.RawAdvertisement
	gattResults chan model.FolkGattSighting

	mu      sync.RWMutex
	state   State
	stopped bool
	lastErr error

	// owned by run
	lastTs int64
	dirty  bool

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	received atomic.Int64
	recorded atomic.Int64
	dropped  atomic.Int64

	cancel   context.CancelFunc
	done     chan struct{}
	readers  sync.WaitGroup
	stopOnce sync.Once
}

type subscriber struct {
	order aggregator.SortOrder
	ch    chan []model.AggregateRow
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	Received int64 `json:"received"`
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Live     int   `json:"live"`
}

func (s *Session) ID() string { return s.id }

func (s *Session) Config() ScanConfig { return s.cfg }

func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the session into a failure state, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Recorded: s.recorded.Load(),
		Dropped:  s.dropped.Load(),
		Live:     s.agg.Len(),
	}
}

// Snapshot returns the current rows in the requested order.
func (s *Session) Snapshot(order aggregator.SortOrder) []model.AggregateRow {
	rows := s.agg.Snapshot()
	aggregator.SortRows(rows, order)
	return rows
}

// Subscribe returns a channel that receives the latest rows after every
// change. Slow readers only ever see the most recent list. The channel is
// closed by the returned cancel func or when the session stops.
func (s *Session) Subscribe(order aggregator.SortOrder) (<-chan []model.AggregateRow, func()) {
	sub := &subscriber{order: order, ch: make(chan []model.AggregateRow, 1)}

	s.subsMu.Lock()
	if s.subs == nil {
		s.subsMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.offer(sub, s.Snapshot(order))
	s.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub.ch)
			}
		})
	}
}

// deliver is the Sink handed to the Scanner. It never blocks: when the
// inbox is full the advertisement is dropped and counted.
func (s *Session) deliver(raw model.RawAdvertisement) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if s.cfg.ScannerID != "" && raw.ScannerID != s.cfg.ScannerID {
		return
	}

	s.received.Add(1)
	select {
	case s.inbox <- raw:
	default:
		s.dropped.Add(1)
		metrics.AdvertsDropped.Inc()
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.cfg.PruneIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	flush := time.NewTicker(publishInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.inbox:
			s.handleAdvertisement(ctx, raw)
		case sighting := <-s.gattResults:
			sighting.TimestampMs = s.stamp()
			s.record(sighting)
			s.gate.markRead(sighting.MAC, sighting.TempID, sighting.TimestampMs)
		case <-ticker.C:
			if removed := s.agg.Prune(s.clock()); removed > 0 {
				metrics.EntriesPruned.Add(float64(removed))
				s.logger.Debug("pruned window", zap.Int("removed", removed))
				s.dirty = true
			}
		case <-flush.C:
			if s.dirty {
				s.dirty = false
				s.publish()
			}
		}
	}
}

// stamp assigns receipt time, never going backwards within the session.
func (s *Session) stamp() int64 {
	now := s.clock()
	if now < s.lastTs {
		now = s.lastTs
	}
	s.lastTs = now
	return now
}

func (s *Session) handleAdvertisement(ctx context.Context, raw model.RawAdvertisement) {
	now := s.stamp()

	// formats overlap; the first one in s.formats that accepts the packet wins
	for i, decode := range s.decoders {
		sighting, ok := decode(raw, now)
		if !ok {
			continue
		}

		if s.formats[i] == model.FormatFolkGatt && s.gatt != nil {
			s.maybeRead(ctx, sighting.(model.FolkGattSighting), now)
			return
		}

		s.record(sighting)
		return
	}
}

// record appends to the window and marks it for the next publish tick.
func (s *Session) record(sighting model.Sighting) {
	s.agg.Record(sighting)
	s.recorded.Add(1)
	s.dirty = true
	metrics.SightingsRecorded.WithLabelValues(sighting.Format().String()).Inc()
	if s.cfg.OnSighting != nil {
		s.cfg.OnSighting(sighting)
	}
}

func (s *Session) maybeRead(ctx context.Context, adv model.FolkGattSighting, now int64) {
	if !s.gate.admit(adv.MAC, now, adv.RSSI) {
		return
	}
	s.readers.Add(1)
	go s.readGatt(ctx, adv)
}

// readGatt runs one connect, read and disconnect exchange off the session
// goroutine and hands a decoded sighting back to it. Disconnect is always
// attempted, including after a malformed payload or a cancelled context.
func (s *Session) readGatt(ctx context.Context, adv model.FolkGattSighting) {
	defer s.readers.Done()

	timeout := time.Duration(s.cfg.GattTimeoutMs) * time.Millisecond
	started := time.Now()
	log := s.logger.With(zap.String("mac", adv.MAC))

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), timeout)
		defer dcancel()
		if err := s.gatt.Disconnect(dctx, adv.MAC); err != nil {
			log.Warn("gatt disconnect failed", zap.Error(err))
		}
		metrics.GattReadDuration.Observe(time.Since(started).Seconds())
	}()

	rssi, err := s.gatt.Connect(readCtx, adv.MAC)
	if err != nil {
		metrics.GattReads.WithLabelValues("connect_error").Inc()
		log.Warn("gatt connect failed", zap.Error(err))
		return
	}

	value, err := s.gatt.ReadCharacteristic(readCtx, adv.MAC, codec.FolkBearsServiceUUID, codec.FolkBearsCharacteristicUUID)
	if err != nil {
		metrics.GattReads.WithLabelValues("read_error").Inc()
		log.Warn("gatt read failed", zap.Error(err))
		return
	}

	payload, err := codec.DecodeGattJSON(value)
	if err != nil {
		metrics.GattReads.WithLabelValues("malformed").Inc()
		log.Error("dropping gatt payload", zap.Error(err), zap.ByteString("payload", value))
		if s.onError != nil {
			s.onError("gatt:"+adv.MAC, value, err)
		}
		return
	}
	metrics.GattReads.WithLabelValues("ok").Inc()

	sighting := model.FolkGattSighting{
		MAC:        adv.MAC,
		DeviceName: adv.DeviceName,
		TempID:     payload.TempID,
		RSSI:       rssi,
	}
	select {
	case s.gattResults <- sighting:
	case <-ctx.Done():
	}
}

// publish sends fresh rows to every subscriber without blocking.
func (s *Session) publish() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if len(s.subs) == 0 {
		return
	}

	rows := s.agg.Snapshot()
	byOrder := make(map[aggregator.SortOrder][]model.AggregateRow, 2)
	for _, sub := range s.subs {
		sorted, ok := byOrder[sub.order]
		if !ok {
			sorted = append([]model.AggregateRow(nil), rows...)
			aggregator.SortRows(sorted, sub.order)
			byOrder[sub.order] = sorted
		}
		s.offer(sub, sorted)
	}
}

// offer replaces any unread value in the subscriber's buffer.
func (s *Session) offer(sub *subscriber, rows []model.AggregateRow) {
	select {
	case sub.ch <- rows:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- rows:
	default:
	}
}

// Stop stops the scanner, then the session goroutine and any GATT readers,
// and clears the window. After Stop returns nothing is recorded.
func (s *Session) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		scanning := s.state == StateScanning
		if scanning || s.state == StateStarting {
			s.state = StateStopped
		}
		s.mu.Unlock()

		if scanning {
			if err := s.scanner.StopScan(ctx, s.id); err != nil {
				s.logger.Warn("scanner stop failed", zap.Error(err))
				stopErr = err
			}
		}

		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.readers.Wait()
		s.agg.Reset()

		s.subsMu.Lock()
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
		s.subs = nil
		s.subsMu.Unlock()

		if scanning {
			metrics.ActiveSessions.Dec()
		}
		s.logger.Info("session stopped", zap.Int64("recorded", s.recorded.Load()), zap.Int64("dropped", s.dropped.Load()))
	})
	return stopErr
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = stateForError(err)
	s.stopped = true
	s.lastErr = err
	s.mu.Unlock()
}

var errNoScanner = errors.New("no scanner configured")
