package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var proximity = uuid.MustParse("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0")

type fakeScanner struct {
	mu       sync.Mutex
	sinks    map[string]Sink
	requests []ScanRequest
	stopped  []string
	startErr error
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{sinks: make(map[string]Sink)}
}

func (f *fakeScanner) StartScan(ctx context.Context, req ScanRequest, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.sinks[req.SessionID] = sink
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeScanner) StopScan(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, sessionID)
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeScanner) sink(sessionID string) Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[sessionID]
}

func (f *fakeScanner) emit(sessionID string, raw model.RawAdvertisement) {
	if sink := f.sink(sessionID); sink != nil {
		sink(raw)
	}
}

type MockGattReader struct {
	mock.Mock
}

func (m *MockGattReader) Connect(ctx context.Context, address string) (int, error) {
	args := m.Called(ctx, address)
	return args.Int(0), args.Error(1)
}

func (m *MockGattReader) ReadCharacteristic(ctx context.Context, address string, service, characteristic uuid.UUID) ([]byte, error) {
	args := m.Called(ctx, address, service, characteristic)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockGattReader) Disconnect(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) Now() int64   { return c.now.Load() }
func (c *fakeClock) Set(ms int64) { c.now.Store(ms) }

func iBeaconAdvert(address string, minor uint16, rssi int) model.RawAdvertisement {
	return model.RawAdvertisement{
		Address:          address,
		RSSI:             rssi,
		ManufacturerData: map[uint16][]byte{codec.AppleCompanyID: codec.EncodeIBeacon(proximity, 1, minor, -59)},
	}
}

func folkAdvert(address string, rssi int) model.RawAdvertisement {
	return model.RawAdvertisement{
		Address:      address,
		RSSI:         rssi,
		LocalName:    "folk",
		ServiceUUIDs: []uuid.UUID{codec.FolkBearsServiceUUID},
	}
}

func newTestController(t *testing.T, scanner Scanner, opts ...ControllerOption) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	clock.Set(1_000)
	opts = append([]ControllerOption{WithClock(clock.Now)}, opts...)
	c := NewController(scanner, zap.NewNop(), opts...)
	t.Cleanup(func() { c.StopAll(context.Background()) })
	return c, clock
}

func waitRecorded(t *testing.T, s *Session, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().Recorded >= n }, waitFor, tick)
}

func TestController_StartRecordsSightings(t *testing.T) {
	scanner := newFakeScanner()
	c, clock := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatIBeacon}})
	require.NoError(t, err)
	assert.Equal(t, StateScanning, s.State())

	got, ok := c.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	scanner.emit(s.ID(), iBeaconAdvert("A", 2, -70))
	clock.Set(2_000)
	scanner.emit(s.ID(), iBeaconAdvert("A", 2, -60))
	scanner.emit(s.ID(), iBeaconAdvert("B", 3, -80))
	waitRecorded(t, s, 3)

	rows := s.Snapshot(aggregator.SortByCount)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, int64(2_000), rows[0].LastSeenMs)
	assert.Equal(t, -60, rows[0].LastRSSI)
	assert.Equal(t, 1, rows[1].Count)
}

func TestController_ScanRequestHints(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	_, err := c.Start(context.Background(), ScanConfig{
		Formats:        []model.Format{model.FormatEnSim, model.FormatManufacturer},
		ScannerID:      "gw-1",
		ManufacturerID: 0x1234,
	})
	require.NoError(t, err)

	require.Len(t, scanner.requests, 1)
	req := scanner.requests[0]
	assert.Equal(t, "gw-1", req.ScannerID)
	assert.ElementsMatch(t, []uuid.UUID{codec.ENServiceUUID, codec.ENAltServiceUUID}, req.ServiceUUIDs)
	assert.Equal(t, []uint16{0x1234}, req.ManufacturerIDs)
}

func TestSession_TimestampsNeverGoBackwards(t *testing.T) {
	scanner := newFakeScanner()
	c, clock := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatIBeacon}})
	require.NoError(t, err)

	clock.Set(5_000)
	scanner.emit(s.ID(), iBeaconAdvert("A", 1, -70))
	waitRecorded(t, s, 1)

	clock.Set(4_000)
	scanner.emit(s.ID(), iBeaconAdvert("A", 2, -70))
	waitRecorded(t, s, 2)

	for _, row := range s.Snapshot(aggregator.SortByLastSeen) {
		assert.Equal(t, int64(5_000), row.LastSeenMs)
	}
}

func TestSession_StopGuaranteesNoFurtherRecords(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{})
	require.NoError(t, err)

	sink := scanner.sink(s.ID())
	require.NotNil(t, sink)
	sink(iBeaconAdvert("A", 1, -70))
	waitRecorded(t, s, 1)

	rows, cancel := s.Subscribe(aggregator.SortByLastSeen)
	defer cancel()

	require.NoError(t, c.Stop(context.Background(), s.ID()))
	assert.Equal(t, StateStopped, s.State())
	assert.Contains(t, scanner.stopped, s.ID())
	assert.Empty(t, s.Snapshot(aggregator.SortByLastSeen))

	before := s.Stats()
	for i := 0; i < 10; i++ {
		sink(iBeaconAdvert("A", 1, -70))
	}
	assert.Equal(t, before, s.Stats())
	assert.Zero(t, s.Stats().Live)

	select {
	case <-s.Done():
	default:
		t.Fatal("session goroutine still running after Stop")
	}

	for range rows {
	}

	_, ok := c.Get(s.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, c.Stop(context.Background(), s.ID()), ErrSessionNotFound)
}

func TestController_PlatformFailures(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state State
	}{
		{name: "unavailable", err: ErrPlatformUnavailable, state: StateUnavailable},
		{name: "permission", err: ErrPermissionDenied, state: StatePermissionDenied},
		{name: "other", err: errors.New("adapter reset"), state: StateUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := newFakeScanner()
			scanner.startErr = tt.err
			c, _ := newTestController(t, scanner)

			s, err := c.Start(context.Background(), ScanConfig{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			require.NotNil(t, s)
			assert.Equal(t, tt.state, s.State())
			assert.ErrorIs(t, s.Err(), tt.err)

			_, ok := c.Get(s.ID())
			assert.False(t, ok, "failed sessions are not retained")
			assert.Empty(t, c.List())

			require.NoError(t, s.Stop(context.Background()))
			assert.Equal(t, tt.state, s.State())
			assert.Empty(t, scanner.stopped)
		})
	}
}

func TestSession_PruneTick(t *testing.T) {
	scanner := newFakeScanner()
	c, clock := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{WindowMs: 1_000, PruneIntervalMs: 10})
	require.NoError(t, err)

	scanner.emit(s.ID(), iBeaconAdvert("A", 1, -70))
	waitRecorded(t, s, 1)
	require.Len(t, s.Snapshot(aggregator.SortByLastSeen), 1)

	clock.Set(2_000)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Snapshot(aggregator.SortByLastSeen), 1, "entry at the window boundary is kept")

	clock.Set(2_001)
	require.Eventually(t, func() bool { return s.Stats().Live == 0 }, waitFor, tick)
}

func TestSession_SubscribeLatestWins(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{})
	require.NoError(t, err)

	updates, cancel := s.Subscribe(aggregator.SortByCount)
	initial := <-updates
	assert.Empty(t, initial)

	for i := 0; i < 5; i++ {
		scanner.emit(s.ID(), iBeaconAdvert("A", 1, -70))
	}
	waitRecorded(t, s, 5)

	require.Eventually(t, func() bool {
		select {
		case rows := <-updates:
			return len(rows) == 1 && rows[0].Count == 5
		default:
			return false
		}
	}, waitFor, tick)

	cancel()
	cancel()
	for range updates {
	}
}

func TestSession_BurstWithSubscriberDropsNothing(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatIBeacon}})
	require.NoError(t, err)

	updates, cancel := s.Subscribe(aggregator.SortByCount)
	defer cancel()

	const total = 20_000
	for i := 0; i < total; i++ {
		scanner.emit(s.ID(), iBeaconAdvert("A", uint16(i%2_000), -70))
		if i%100 == 99 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Recorded+st.Dropped == total
	}, waitFor, tick)
	assert.Zero(t, s.Stats().Dropped)

	require.Eventually(t, func() bool {
		select {
		case rows := <-updates:
			sum := 0
			for _, r := range rows {
				sum += r.Count
			}
			return len(rows) == 2_000 && sum == total
		default:
			return false
		}
	}, waitFor, tick, "coalesced snapshot reaches the subscriber")
}

func TestSession_ScannerIDFilter(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{ScannerID: "gw-1"})
	require.NoError(t, err)

	other := iBeaconAdvert("A", 1, -70)
	other.ScannerID = "gw-2"
	mine := iBeaconAdvert("B", 2, -70)
	mine.ScannerID = "gw-1"

	scanner.emit(s.ID(), other)
	scanner.emit(s.ID(), mine)
	waitRecorded(t, s, 1)

	rows := s.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 1)
	assert.Equal(t, uint16(2), rows[0].Representative.(model.IBeaconSighting).Minor)
	assert.Equal(t, int64(1), s.Stats().Received)
}

func TestController_SessionsAreIndependent(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	a, err := c.Start(context.Background(), ScanConfig{})
	require.NoError(t, err)
	b, err := c.Start(context.Background(), ScanConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, c.List(), 2)

	scanner.emit(a.ID(), iBeaconAdvert("A", 1, -70))
	waitRecorded(t, a, 1)

	assert.Len(t, a.Snapshot(aggregator.SortByLastSeen), 1)
	assert.Empty(t, b.Snapshot(aggregator.SortByLastSeen))

	require.NoError(t, c.Stop(context.Background(), a.ID()))
	assert.Equal(t, StateScanning, b.State())
}

func TestSession_OnSighting(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	seen := make(chan model.Sighting, 1)
	s, err := c.Start(context.Background(), ScanConfig{OnSighting: func(s model.Sighting) { seen <- s }})
	require.NoError(t, err)

	scanner.emit(s.ID(), iBeaconAdvert("A", 1, -70))
	select {
	case got := <-seen:
		assert.Equal(t, model.FormatIBeacon, got.Format())
	case <-time.After(waitFor):
		t.Fatal("OnSighting not called")
	}
}

func TestSession_GattRead(t *testing.T) {
	scanner := newFakeScanner()
	gatt := new(MockGattReader)
	disconnected := make(chan struct{})

	gatt.On("Connect", mock.Anything, "AA:01").Return(-42, nil).Once()
	gatt.On("ReadCharacteristic", mock.Anything, "AA:01", codec.FolkBearsServiceUUID, codec.FolkBearsCharacteristicUUID).
		Return([]byte(`{"i":"00112233-4455-6677-8899-AABBCCDDEEFF"}`), nil).Once()
	gatt.On("Disconnect", mock.Anything, "AA:01").Return(nil).Once().Run(func(mock.Arguments) { close(disconnected) })

	c, _ := newTestController(t, scanner, WithGattReader(gatt))
	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatFolkGatt}})
	require.NoError(t, err)

	scanner.emit(s.ID(), folkAdvert("AA:01", -70))
	waitRecorded(t, s, 1)
	<-disconnected

	rows := s.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 1)
	rep := rows[0].Representative.(model.FolkGattSighting)
	assert.Equal(t, "AA:01", rep.MAC)
	assert.Equal(t, "folk", rep.DeviceName)
	assert.Equal(t, "00112233-4455-6677-8899-AABBCCDDEEFF", rep.TempID)
	assert.Equal(t, -42, rows[0].LastRSSI)
	gatt.AssertExpectations(t)
}

func TestSession_GattMalformedPayload(t *testing.T) {
	scanner := newFakeScanner()
	gatt := new(MockGattReader)
	disconnected := make(chan struct{})

	gatt.On("Connect", mock.Anything, "AA:02").Return(-50, nil).Once()
	gatt.On("ReadCharacteristic", mock.Anything, "AA:02", codec.FolkBearsServiceUUID, codec.FolkBearsCharacteristicUUID).
		Return([]byte(`{"x":1}`), nil).Once()
	gatt.On("Disconnect", mock.Anything, "AA:02").Return(nil).Once().Run(func(mock.Arguments) { close(disconnected) })

	var (
		mu       sync.Mutex
		reported []error
	)
	sink := func(source string, payload []byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}

	c, _ := newTestController(t, scanner, WithGattReader(gatt), WithErrorSink(sink))
	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatFolkGatt}})
	require.NoError(t, err)

	scanner.emit(s.ID(), folkAdvert("AA:02", -70))

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("disconnect not called")
	}

	mu.Lock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], codec.ErrMalformedGattPayload)
	mu.Unlock()

	assert.Zero(t, s.Stats().Recorded)
	assert.Empty(t, s.Snapshot(aggregator.SortByLastSeen))
	gatt.AssertExpectations(t)
}

func TestSession_GattConnectGate(t *testing.T) {
	scanner := newFakeScanner()
	gatt := new(MockGattReader)
	reads := make(chan struct{}, 4)

	gatt.On("Connect", mock.Anything, "AA:03").Return(-50, nil)
	gatt.On("ReadCharacteristic", mock.Anything, "AA:03", codec.FolkBearsServiceUUID, codec.FolkBearsCharacteristicUUID).
		Return([]byte(`{"i":"T1"}`), nil)
	gatt.On("Disconnect", mock.Anything, "AA:03").Return(nil).Run(func(mock.Arguments) { reads <- struct{}{} })

	c, clock := newTestController(t, scanner, WithGattReader(gatt))
	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatFolkGatt, model.FormatIBeacon}})
	require.NoError(t, err)

	scanner.emit(s.ID(), folkAdvert("AA:03", -70))
	<-reads
	waitRecorded(t, s, 1)

	// gated: within 10s of the read
	clock.Set(5_000)
	scanner.emit(s.ID(), folkAdvert("AA:03", -70))
	scanner.emit(s.ID(), iBeaconAdvert("B", 1, -70))
	waitRecorded(t, s, 2)
	gatt.AssertNumberOfCalls(t, "Connect", 1)

	clock.Set(11_001)
	scanner.emit(s.ID(), folkAdvert("AA:03", -70))
	<-reads
	waitRecorded(t, s, 3)
	gatt.AssertNumberOfCalls(t, "Connect", 2)

	rows := s.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 2)
	assert.Equal(t, "AA:03", rows[0].Key)
	assert.Equal(t, 2, rows[0].Count)
}

func TestSession_FolkGattWithoutReader(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)

	s, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatFolkGatt}})
	require.NoError(t, err)

	scanner.emit(s.ID(), folkAdvert("AA:04", -70))
	waitRecorded(t, s, 1)

	rows := s.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 1)
	assert.Equal(t, "folk", rows[0].Representative.(model.FolkGattSighting).DeviceName)
}

func TestSession_FirstMatchingFormatWins(t *testing.T) {
	scanner := newFakeScanner()
	c, _ := newTestController(t, scanner)
	folkIBeacon := model.RawAdvertisement{
		Address:          "AA:05",
		RSSI:             -70,
		ManufacturerData: map[uint16][]byte{codec.AppleCompanyID: codec.EncodeIBeacon(codec.FolkBearsServiceUUID, 1, 2, -59)},
	}

	all, err := c.Start(context.Background(), ScanConfig{})
	require.NoError(t, err)
	gattOnly, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.FormatFolkGatt}})
	require.NoError(t, err)

	scanner.emit(all.ID(), folkIBeacon)
	scanner.emit(gattOnly.ID(), folkIBeacon)
	waitRecorded(t, all, 1)
	waitRecorded(t, gattOnly, 1)

	rows := all.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 1)
	assert.Equal(t, model.FormatIBeacon, rows[0].Format)

	rows = gattOnly.Snapshot(aggregator.SortByLastSeen)
	require.Len(t, rows, 1)
	assert.Equal(t, model.FormatFolkGatt, rows[0].Format)
	assert.Equal(t, "AA:05", rows[0].Key)
}

func TestScanConfig_Normalize(t *testing.T) {
	cfg, err := ScanConfig{WindowMs: -1, PruneIntervalMs: -1}.normalize(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, aggregator.DefaultWindowMs, cfg.WindowMs)
	assert.Equal(t, DefaultPruneIntervalMs, cfg.PruneIntervalMs)
	assert.Equal(t, model.AllFormats, cfg.Formats)
	assert.Equal(t, codec.ExperimentalCompanyID, cfg.ManufacturerID)
	assert.Equal(t, DefaultGattGateMs, cfg.GattGateMs)
	assert.Equal(t, DefaultGattTimeoutMs, cfg.GattTimeoutMs)

	cfg, err = ScanConfig{Formats: []model.Format{model.FormatEnSim, model.FormatEnSim, model.FormatIBeacon}}.normalize(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []model.Format{model.FormatEnSim, model.FormatIBeacon}, cfg.Formats)

	_, err = ScanConfig{Formats: []model.Format{model.Format(42)}}.normalize(zap.NewNop())
	assert.Error(t, err)
}

func TestController_RejectsInvalidConfig(t *testing.T) {
	c, _ := newTestController(t, newFakeScanner())
	_, err := c.Start(context.Background(), ScanConfig{Formats: []model.Format{model.Format(0)}})
	assert.Error(t, err)
	assert.Empty(t, c.List())
}
