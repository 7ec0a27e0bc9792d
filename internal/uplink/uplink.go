package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/session"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher sends one message. The embedded broker and Client both satisfy it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// RowsMessage is the document published for each snapshot update.
type RowsMessage struct {
	SessionID   string               `json:"session_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Rows        []model.AggregateRow `json:"rows"`
}

// Client publishes to an upstream MQTT broker.
type Client struct {
	client mqtt.Client
	logger *zap.Logger
}

// Dial connects to brokerURL (e.g. tcp://host:1883).
func Dial(ctx context.Context, brokerURL, clientID string, logger *zap.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("uplink connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("uplink connected", zap.String("broker", brokerURL))
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("uplink connect: %w", ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("uplink connect %s: %w", brokerURL, err)
	}
	return &Client{client: client, logger: logger}, nil
}

// Publish sends payload at QoS 0 and waits for the write to complete.
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("uplink publish %s: timed out", topic)
	}
	return tok.Error()
}

// Close disconnects, allowing in-flight work 250ms to finish.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Target is one destination for session rows. Topic is a format string
// receiving the session id.
type Target struct {
	Publisher Publisher
	Topic     string
}

// Forwarder mirrors session snapshots to its targets.
type Forwarder struct {
	logger  *zap.Logger
	targets []Target
	order   aggregator.SortOrder
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewForwarder builds a forwarder publishing rows sorted by order.
func NewForwarder(logger *zap.Logger, order aggregator.SortOrder, targets ...Target) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{logger: logger, targets: targets, order: order, now: time.Now}
}

// Attach publishes every snapshot of s until the session stops or ctx ends.
func (f *Forwarder) Attach(ctx context.Context, s *session.Session) {
	if len(f.targets) == 0 {
		return
	}
	updates, cancel := s.Subscribe(f.order)
	log := f.logger.With(zap.String("session", s.ID()))

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case rows, ok := <-updates:
				if !ok {
					return
				}
				f.publish(log, s.ID(), rows)
			}
		}
	}()
}

func (f *Forwarder) publish(log *zap.Logger, sessionID string, rows []model.AggregateRow) {
	if rows == nil {
		rows = []model.AggregateRow{}
	}
	body, err := json.Marshal(RowsMessage{SessionID: sessionID, GeneratedAt: f.now().UTC(), Rows: rows})
	if err != nil {
		log.Error("encode rows", zap.Error(err))
		return
	}
	for _, t := range f.targets {
		topic := fmt.Sprintf(t.Topic, sessionID)
		if err := t.Publisher.Publish(topic, body); err != nil {
			log.Warn("publish rows failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Wait blocks until every attached session has finished forwarding.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
