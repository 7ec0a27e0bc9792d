package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/session"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureScanner struct {
	mu   sync.Mutex
	sink session.Sink
}

func (c *captureScanner) StartScan(_ context.Context, _ session.ScanRequest, sink session.Sink) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}

func (c *captureScanner) StopScan(context.Context, string) error { return nil }

func (c *captureScanner) emit(raw model.RawAdvertisement) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	sink(raw)
}

type memPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (m *memPublisher) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string][][]byte)
	}
	m.msgs[topic] = append(m.msgs[topic], payload)
	return nil
}

func (m *memPublisher) last(topic string) ([]byte, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.msgs[topic]
	if len(list) == 0 {
		return nil, 0
	}
	return list[len(list)-1], len(list)
}

func TestForwarder_PublishesSnapshots(t *testing.T) {
	scanner := &captureScanner{}
	ctrl := session.NewController(scanner, zap.NewNop())
	s, err := ctrl.Start(context.Background(), session.ScanConfig{Formats: []model.Format{model.FormatIBeacon}})
	require.NoError(t, err)

	local, upstream := &memPublisher{}, &memPublisher{}
	fwd := NewForwarder(zap.NewNop(), aggregator.SortByCount,
		Target{Publisher: local, Topic: "folkbears/sessions/%s/rows"},
		Target{Publisher: upstream, Topic: "site-a/%s"},
	)
	fwd.Attach(context.Background(), s)

	localTopic := "folkbears/sessions/" + s.ID() + "/rows"
	require.Eventually(t, func() bool {
		_, n := local.last(localTopic)
		return n >= 1
	}, 2*time.Second, 10*time.Millisecond, "initial empty snapshot")

	proximity := uuid.MustParse("E2C56DB5-DFFB-48D2-B060-D0F5A71096E0")
	scanner.emit(model.RawAdvertisement{
		Address:          "AA:BB:CC:DD:EE:FF",
		RSSI:             -60,
		ManufacturerData: map[uint16][]byte{codec.AppleCompanyID: codec.EncodeIBeacon(proximity, 1, 2, -59)},
	})

	require.Eventually(t, func() bool {
		body, _ := upstream.last("site-a/" + s.ID())
		if body == nil {
			return false
		}
		var msg struct {
			SessionID string `json:"session_id"`
			Rows      []struct {
				Key   string `json:"key"`
				Count int    `json:"count"`
			} `json:"rows"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			return false
		}
		return len(msg.Rows) == 1 && msg.Rows[0].Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	fwd.Wait()
}

func TestForwarder_NoTargets(t *testing.T) {
	ctrl := session.NewController(&captureScanner{}, zap.NewNop())
	s, err := ctrl.Start(context.Background(), session.ScanConfig{})
	require.NoError(t, err)
	defer func() { _ = s.Stop(context.Background()) }()

	fwd := NewForwarder(nil, aggregator.SortByLastSeen)
	fwd.Attach(context.Background(), s)
	fwd.Wait()
	assert.NotNil(t, fwd)
}
