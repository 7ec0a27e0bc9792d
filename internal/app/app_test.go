package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/config"
	"folkbears/go-beacon-monitor/internal/ingest"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/mqttbroker"
	"folkbears/go-beacon-monitor/internal/store"
	"folkbears/go-beacon-monitor/internal/transmit"
	"folkbears/go-beacon-monitor/internal/uplink"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testBroker stands in for the embedded broker: it records publishes and
// routes gateway messages straight to the registered handlers.
type testBroker struct {
	mu     sync.Mutex
	topics []string
	routes map[string]mqttbroker.Handler
}

func (b *testBroker) Publish(topic string, _ []byte) error {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
	return nil
}

func (b *testBroker) Handle(filter string, h mqttbroker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.routes == nil {
		b.routes = make(map[string]mqttbroker.Handler)
	}
	b.routes[filter] = h
	return nil
}

func (b *testBroker) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	var handler mqttbroker.Handler
	for filter, h := range b.routes {
		if mqttbroker.MatchTopic(filter, topic) {
			handler = h
		}
	}
	b.mu.Unlock()
	require.NotNil(t, handler, "no route for %s", topic)
	handler(context.Background(), mqttbroker.Message{ClientID: "gw-client", Topic: topic, Payload: payload})
}

func (b *testBroker) published(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

var testProximity = uuid.MustParse("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0")

func (b *testBroker) sendIBeacon(t *testing.T, scanner, address string, rssi int) {
	t.Helper()
	data, err := codec.BuildAdvertisingData(transmit.IBeaconPacket(testProximity, 1, 2, -59))
	require.NoError(t, err)
	body, err := json.Marshal(ingest.AdvertEnvelope{Address: address, RSSI: rssi, Data: data})
	require.NoError(t, err)
	b.deliver(t, "scanners/"+scanner+"/adverts", body)
}

func newTestApp(t *testing.T) (*App, *testBroker, http.Handler) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))

	cfg := config.Config{
		HTTPPort:        8080,
		WindowMs:        60_000,
		PruneIntervalMs: 1_000,
		ManufacturerID:  0xFFFF,
		GattGateMs:      10_000,
		GattTimeoutMs:   500,
	}
	a := New(cfg, zap.NewNop())
	tb := &testBroker{}
	a.wire(ctx, db, tb, uplink.Target{Publisher: tb, Topic: sessionRowsTopic})
	require.NoError(t, a.hub.Routes(tb))
	a.ready.Store(true)

	t.Cleanup(func() {
		a.ctrl.StopAll(ctx)
		a.fwd.Wait()
		a.watchers.Wait()
		a.hub.Close()
		_ = db.Close()
	})
	return a, tb, a.routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type rowsBody struct {
	SessionID string `json:"session_id"`
	Sort      string `json:"sort"`
	Rows      []struct {
		Format   string `json:"format"`
		Key      string `json:"key"`
		Count    int    `json:"count"`
		LastRSSI int    `json:"last_rssi"`
	} `json:"rows"`
}

func startSession(t *testing.T, h http.Handler, body string) sessionView {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v sessionView
	decode(t, rec, &v)
	require.NotEmpty(t, v.ID)
	assert.Equal(t, "/api/sessions/"+v.ID, rec.Header().Get("Location"))
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	a, _, h := newTestApp(t)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)

	a.ready.Store(false)
	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	a, tb, h := newTestApp(t)

	v := startSession(t, h, `{"formats":["ibeacon"]}`)
	assert.Equal(t, "scanning", v.State.String())
	assert.Equal(t, int64(60_000), v.Config.WindowMs, "window comes from defaults")

	tb.sendIBeacon(t, "gw-1", "aa:bb:cc:dd:ee:ff", -61)
	tb.sendIBeacon(t, "gw-1", "aa:bb:cc:dd:ee:ff", -58)

	var rows rowsBody
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/sessions/"+v.ID+"/rows?sort=count", "")
		if rec.Code != http.StatusOK {
			return false
		}
		rows = rowsBody{}
		decode(t, rec, &rows)
		return len(rows.Rows) == 1 && rows.Rows[0].Count == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "count", rows.Sort)
	assert.Equal(t, "ibeacon", rows.Rows[0].Format)
	assert.Equal(t, "E2C56DB5DFFB48D2B060D0F5A71096E0/0001/0002", rows.Rows[0].Key)
	assert.Equal(t, -58, rows.Rows[0].LastRSSI)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/sessions", "")
		var list struct {
			Sessions []sessionView `json:"sessions"`
		}
		decode(t, rec, &list)
		return len(list.Sessions) == 1 && list.Sessions[0].Stats.Recorded == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return tb.published("folkbears/sessions/"+v.ID+"/rows") > 0
	}, 2*time.Second, 10*time.Millisecond, "rows forwarded to the local topic")

	rec := do(t, h, http.MethodDelete, "/api/sessions/"+v.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sessions/"+v.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "stopped sessions are forgotten")

	a.watchers.Wait()
	rec = do(t, h, http.MethodGet, "/api/sessions/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Sessions []model.SessionRecord `json:"sessions"`
	}
	decode(t, rec, &history)
	require.Len(t, history.Sessions, 1)
	assert.Equal(t, v.ID, history.Sessions[0].ID)
	assert.Equal(t, "stopped", history.Sessions[0].State)
	assert.Equal(t, int64(2), history.Sessions[0].Recorded)
	assert.NotNil(t, history.Sessions[0].StoppedAt)
}

func TestStartSession_Rejects(t *testing.T) {
	a, _, h := newTestApp(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "unknown format", body: `{"formats":["eddystone"]}`},
		{name: "bad manufacturer id", body: `{"manufacturer_id":"12345"}`},
		{name: "odd filter", body: `{"manufacturer_filter":{"data":"021"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	a.hub.Close()
	rec := do(t, h, http.MethodPost, "/api/sessions", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var v sessionView
	decode(t, rec, &v)
	assert.Equal(t, "unavailable", v.State.String())
	assert.NotEmpty(t, v.Error)
}

func TestStartSession_ManufacturerOptions(t *testing.T) {
	_, _, h := newTestApp(t)

	v := startSession(t, h, `{"formats":["manufacturer"],"manufacturer_id":"0x0059","manufacturer_filter":{"data":"02 10","mask":"FF FF"}}`)
	assert.Equal(t, uint16(0x0059), v.Config.ManufacturerID)
	assert.Equal(t, []byte{0x02, 0x10}, v.Config.ManufacturerFilter.Data)
	assert.Equal(t, []byte{0xFF, 0xFF}, v.Config.ManufacturerFilter.Mask)
}

func TestSessionNotFound(t *testing.T) {
	_, _, h := newTestApp(t)

	for _, path := range []string{"/api/sessions/nope", "/api/sessions/nope/rows", "/api/sessions/nope/export"} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := do(t, h, http.MethodDelete, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRows_InvalidSort(t *testing.T) {
	_, _, h := newTestApp(t)
	v := startSession(t, h, `{}`)

	rec := do(t, h, http.MethodGet, "/api/sessions/"+v.ID+"/rows?sort=loudest", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport_GzipCSV(t *testing.T) {
	_, tb, h := newTestApp(t)
	v := startSession(t, h, `{"formats":["ibeacon"]}`)
	tb.sendIBeacon(t, "gw-1", "11:22:33:44:55:66", -70)

	require.Eventually(t, func() bool {
		var rows rowsBody
		decode(t, do(t, h, http.MethodGet, "/api/sessions/"+v.ID+"/rows", ""), &rows)
		return len(rows.Rows) == 1
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+v.ID+"/export", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	records, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, "ibeacon", records[1][0])
	assert.Equal(t, "1", records[1][2])
	assert.Equal(t, "-70", records[1][4])
	assert.Equal(t, "-59", records[1][5])
	assert.Equal(t, "11:22:33:44:55:66", records[1][6])
}

func TestWriteRowsCSV_Addresses(t *testing.T) {
	tx := -12
	rows := []model.AggregateRow{
		{Format: model.FormatFolkGatt, Key: "AA", Count: 3, LastSeenMs: 0, LastRSSI: -40, Representative: model.FolkGattSighting{MAC: "AA"}},
		{Format: model.FormatEnSim, Key: "B1", Count: 1, LastRSSI: -80, LastTxPower: &tx, Representative: model.EnSimSighting{Address: "BB"}},
		{Format: model.FormatManufacturer, Key: "C1", Count: 1, Representative: model.ManufacturerSighting{DeviceAddress: "CC"}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeRowsCSV(&buf, rows))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"folkgatt", "AA", "3", "1970-01-01T00:00:00Z", "-40", "", "AA"}, records[1])
	assert.Equal(t, "-12", records[2][5])
	assert.Equal(t, "BB", records[2][6])
	assert.Equal(t, "CC", records[3][6])
}

func TestStream_PushesSnapshots(t *testing.T) {
	_, tb, h := newTestApp(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	v := startSession(t, h, `{"formats":["ibeacon"]}`)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + v.ID + "/stream?sort=last_seen"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	type streamMsg struct {
		SessionID string            `json:"session_id"`
		Rows      []json.RawMessage `json:"rows"`
	}
	read := func() streamMsg {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, body, err := conn.ReadMessage()
		require.NoError(t, err)
		var m streamMsg
		require.NoError(t, json.Unmarshal(body, &m))
		return m
	}

	first := read()
	assert.Equal(t, v.ID, first.SessionID)
	assert.Empty(t, first.Rows)

	tb.sendIBeacon(t, "gw-1", "AA:BB:CC:DD:EE:01", -50)
	var got streamMsg
	for i := 0; i < 5 && len(got.Rows) == 0; i++ {
		got = read()
	}
	assert.Len(t, got.Rows, 1)

	rec := do(t, h, http.MethodDelete, "/api/sessions/"+v.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTransmit(t *testing.T) {
	_, tb, h := newTestApp(t)

	rec := do(t, h, http.MethodPost, "/api/transmit/ibeacon", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no gateway known yet")

	tb.sendIBeacon(t, "gw-1", "AA:BB:CC:DD:EE:02", -50)

	rec = do(t, h, http.MethodPost, "/api/transmit/eddystone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/transmit/manufacturer", `{"temp_id":"xyz"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/transmit/manufacturer", `{"temp_id":"00112233445566778899AABBCCDDEEFF","manufacturer_id":"0059"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var cycle transmit.Cycle
	decode(t, rec, &cycle)
	assert.Equal(t, model.FormatManufacturer, cycle.Format)
	assert.Equal(t, "00112233445566778899AABBCCDDEEFF", cycle.TempID)
	assert.Equal(t, 1, tb.published("scanners/gw-1/advertise"))

	rec = do(t, h, http.MethodGet, "/api/transmit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = do(t, h, http.MethodDelete, "/api/transmit", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/transmit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/transmit", "")
	assert.Contains(t, rec.Body.String(), `"active":false`)
}

func TestScannersAndErrors(t *testing.T) {
	a, tb, h := newTestApp(t)

	tb.sendIBeacon(t, "gw-1", "AA:BB:CC:DD:EE:03", -50)
	tb.deliver(t, "scanners/gw-2/adverts", []byte(`{"address":""}`))
	require.NoError(t, a.hub.Flush(context.Background()))

	rec := do(t, h, http.MethodGet, "/api/scanners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var scanners struct {
		Live  []model.ScannerInfo `json:"live"`
		Known []model.ScannerInfo `json:"known"`
	}
	decode(t, rec, &scanners)
	require.Len(t, scanners.Live, 1)
	assert.Equal(t, "gw-1", scanners.Live[0].ScannerID)
	require.Len(t, scanners.Known, 1)
	assert.Equal(t, int64(1), scanners.Known[0].Adverts)

	rec = do(t, h, http.MethodGet, "/api/errors?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var errs struct {
		Errors []model.IngestionError `json:"errors"`
	}
	decode(t, rec, &errs)
	require.Len(t, errs.Errors, 1)
	assert.Equal(t, "scanners/gw-2/adverts", errs.Errors[0].Source)
}

func TestConfigDefaults(t *testing.T) {
	a, _, h := newTestApp(t)

	rec := do(t, h, http.MethodPost, "/api/config", `{"window_ms": 1234, "manufacturer_id": "0x0059"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg struct {
		Defaults  sessionDefaults   `json:"session_defaults"`
		Persisted map[string]string `json:"persisted"`
	}
	decode(t, rec, &cfg)
	assert.Equal(t, int64(1234), cfg.Defaults.WindowMs)
	assert.Equal(t, uint16(0x0059), cfg.Defaults.ManufacturerID)
	assert.Equal(t, "1234", cfg.Persisted["window_ms"])

	v := startSession(t, h, `{}`)
	assert.Equal(t, int64(1234), v.Config.WindowMs)
	assert.Equal(t, uint16(0x0059), v.Config.ManufacturerID)

	v = startSession(t, h, `{"window_ms": 5000}`)
	assert.Equal(t, int64(5000), v.Config.WindowMs, "explicit values win")

	for _, body := range []string{`{"bogus": 1}`, `{"window_ms": -1}`, `{}`, `nope`} {
		rec = do(t, h, http.MethodPost, "/api/config", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	// persisted values survive a rebuild of the defaults
	a.defaults = defaultsFromConfig(a.cfg)
	a.loadPersistedDefaults(context.Background())
	assert.Equal(t, int64(1234), a.defaults.WindowMs)
}

func TestWipe(t *testing.T) {
	a, tb, h := newTestApp(t)
	tb.deliver(t, "scanners/gw-2/adverts", []byte(`not json`))

	rec := do(t, h, http.MethodPost, "/api/admin/wipe", `{"confirm":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/admin/wipe", `{"confirm":"WIPE"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	errs, err := a.store.RecentIngestionErrors(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestMDNSNames(t *testing.T) {
	assert.Equal(t, "FolkBears Monitor (pi local)", sanitizeMDNSInstance("FolkBears Monitor (pi.local)"))
	assert.Equal(t, "FolkBears Monitor", sanitizeMDNSInstance("  "))
	assert.Equal(t, "gate-way-1", sanitizeMDNSHost("Gate Way_1"))
	assert.Len(t, sanitizeMDNSHost(strings.Repeat("a", 80)), 63)
}
