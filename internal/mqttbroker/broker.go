package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"folkbears/go-beacon-monitor/internal/metrics"

	"go.uber.org/zap"
)

// Message is a publish received from a connected client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish whose topic matches the
// filter it was registered under.
type Handler func(context.Context, Message)

type route struct {
	filter  string
	handler Handler
}

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for f := range c.subscriptions {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) unsubscribe(filters []string) {
	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a small MQTT 3.1.1 broker for scanner gateways. It accepts
// QoS 0 and 1 publishes, delivers to subscribers at QoS 0 and dispatches
// received messages to handlers registered by topic filter.
type Broker struct {
	logger       *zap.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	routesMu sync.RWMutex
	routes   []route

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
}

// Handle registers h for publishes matching filter. Every matching handler
// runs, in registration order, on the publishing client's goroutine.
func (b *Broker) Handle(filter string, h Handler) error {
	if err := ValidFilter(filter); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", filter)
	}
	b.routesMu.Lock()
	b.routes = append(b.routes, route{filter: filter, handler: h})
	b.routesMu.Unlock()
	return nil
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", zap.String("addr", ln.Addr().String()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", zap.Error(err))
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends a QoS 0 message to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	if err := validTopicName(topic); err != nil {
		return err
	}
	return b.deliver(topic, payload, nil)
}

// Clients returns the ids of connected clients.
func (b *Broker) Clients() []string {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	ids := make([]string, 0, len(b.clients))
	for s := range b.clients {
		if s.clientID != "" {
			ids = append(ids, s.clientID)
		}
	}
	return ids
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
	metrics.MQTTClients.Inc()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	_, ok := b.clients[session]
	delete(b.clients, session)
	b.clientsMu.Unlock()
	if ok {
		metrics.MQTTClients.Dec()
	}
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", zap.String("client", session.clientID), zap.Error(err))
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", zap.Error(err))
			return
		}
		if remaining > maxPacketSize {
			b.logger.Warn("packet too large", zap.String("client", session.clientID), zap.Int("size", remaining))
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", zap.Error(err))
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", zap.Uint8("type", packetType))
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("second connect", zap.String("client", session.clientID))
				return
			}
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", zap.Error(err))
				return
			}
			connected = true
		case packetPublish:
			if err := b.handlePublish(ctx, session, header, payload); err != nil {
				b.logger.Debug("handle publish error", zap.String("client", session.clientID), zap.Error(err))
				return
			}
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", zap.Error(err))
				return
			}
		case packetUnsubscribe:
			packetID, filters, err := parseUnsubscribe(payload)
			if err != nil {
				b.logger.Debug("parse unsubscribe error", zap.Error(err))
				return
			}
			session.unsubscribe(filters)
			if err := session.writePacket(buildAck(packetUnsubAck, packetID)); err != nil {
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", zap.Error(err))
				return
			}
		case packetDisconnect:
			b.logger.Debug("client disconnected", zap.String("client", session.clientID))
			return
		default:
			b.logger.Debug("unsupported packet", zap.Uint8("type", packetType))
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	p, err := parseConnect(payload)
	if err != nil {
		// 0x01: unacceptable protocol version, the closest code for a packet we cannot read.
		_ = session.writePacket(buildConnAck(0x01))
		return err
	}

	clientID := p.clientID
	if clientID == "" {
		if !p.cleanSession {
			_ = session.writePacket(buildConnAck(0x02))
			return fmt.Errorf("empty client id without clean session")
		}
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	if err := session.writePacket(buildConnAck(0x00)); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("client connected", zap.String("client", clientID), zap.Uint16("keepalive", p.keepAlive))
	return nil
}

func (b *Broker) handlePublish(ctx context.Context, session *clientSession, header byte, payload []byte) error {
	p, err := parsePublish(header, payload)
	if err != nil {
		return err
	}
	metrics.MQTTPublishes.WithLabelValues("in").Inc()

	if p.qos == 1 {
		if err := session.writePacket(buildAck(packetPubAck, p.packetID)); err != nil {
			return fmt.Errorf("write puback: %w", err)
		}
	}

	msg := Message{ClientID: session.clientID, Topic: p.topic, Payload: p.payload}
	b.dispatch(ctx, msg)
	return b.deliver(p.topic, p.payload, session)
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	p, err := parseSubscribe(payload)
	if err != nil {
		return err
	}

	codes := make([]byte, len(p.filters))
	for i, f := range p.filters {
		if err := ValidFilter(f); err != nil || p.qos[i] > 2 {
			codes[i] = subAckFailure
			continue
		}
		session.subscribe(f)
		// Deliveries are QoS 0 regardless of the requested maximum.
		codes[i] = 0x00
	}

	return session.writePacket(buildSubAck(p.packetID, codes))
}

func (b *Broker) dispatch(ctx context.Context, msg Message) {
	b.routesMu.RLock()
	routes := b.routes
	b.routesMu.RUnlock()

	for _, r := range routes {
		if MatchTopic(r.filter, msg.Topic) {
			b.safeInvoke(ctx, r.handler, msg)
		}
	}
}

func (b *Broker) deliver(topic string, payload []byte, exclude *clientSession) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.matches(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("deliver publish failed", zap.String("client", session.clientID), zap.Error(err))
			continue
		}
		metrics.MQTTPublishes.WithLabelValues("out").Inc()
	}
	return nil
}

func (b *Broker) safeInvoke(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", zap.String("topic", msg.Topic), zap.Any("panic", r))
		}
	}()
	h(ctx, msg)
}
