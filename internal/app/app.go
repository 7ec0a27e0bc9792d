package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/config"
	"folkbears/go-beacon-monitor/internal/ingest"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/mqttbroker"
	"folkbears/go-beacon-monitor/internal/session"
	"folkbears/go-beacon-monitor/internal/store"
	"folkbears/go-beacon-monitor/internal/transmit"
	"folkbears/go-beacon-monitor/internal/uplink"

	"github.com/goccy/go-json"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Local topic receiving every session's rows.
const sessionRowsTopic = "folkbears/sessions/%s/rows"

// App wires together the beacon monitor services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store  *store.Store
	broker *mqttbroker.Broker
	hub    *ingest.Hub
	ctrl   *session.Controller
	tx     *transmit.Transmitter
	fwd    *uplink.Forwarder
	uplink *uplink.Client
	mdns   *zeroconf.Server

	defaultsMu sync.RWMutex
	defaults   sessionDefaults

	ready    atomic.Bool
	watchers sync.WaitGroup
}

// New constructs a new application instance.
func New(cfg config.Config, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger, defaults: defaultsFromConfig(cfg)}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", zap.Error(cerr))
		}
	}()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	broker := mqttbroker.New(a.logger.Named("mqtt"))
	a.broker = broker

	var targets []uplink.Target
	targets = append(targets, uplink.Target{Publisher: broker, Topic: sessionRowsTopic})
	if a.cfg.UplinkBroker != "" {
		host, _ := os.Hostname()
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := uplink.Dial(dialCtx, a.cfg.UplinkBroker, fmt.Sprintf("folkbears-%s-%d", host, time.Now().UnixNano()), a.logger.Named("uplink"))
		cancel()
		if err != nil {
			return err
		}
		a.uplink = client
		defer client.Close()
		targets = append(targets, uplink.Target{Publisher: client, Topic: a.cfg.UplinkTopic + "/%s"})
	}

	a.wire(ctx, db, broker, targets...)
	if err := a.hub.Routes(broker); err != nil {
		return err
	}

	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		a.hub.Run(hubCtx, 0)
	}()

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, srv := range []*http.Server{httpServer, metricsServer} {
		srv := srv
		go func() {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}()
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(broker)); err != nil {
			a.logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	a.ready.Store(true)

	shutdown := func() error {
		a.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		a.logger.Info("http server stopped")

		a.stopMDNS()
		a.ctrl.StopAll(shutdownCtx)
		if err := a.tx.Stop(shutdownCtx); err != nil && !errors.Is(err, transmit.ErrNotAdvertising) {
			a.logger.Warn("stop advertising", zap.Error(err))
		}
		a.fwd.Wait()
		a.watchers.Wait()
		a.hub.Close()
		stopHub()
		<-hubDone

		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			return errors.Join(err, shutdown())
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			return errors.Join(err, shutdown())
		}
	}
}

// wire builds the session side of the app on top of db and pub.
func (a *App) wire(ctx context.Context, db *store.Store, pub ingest.Publisher, targets ...uplink.Target) {
	a.store = db
	a.loadPersistedDefaults(ctx)

	a.hub = ingest.NewHub(pub, a.logger.Named("ingest"), ingest.WithRecorder(db))
	a.ctrl = session.NewController(a.hub, a.logger,
		session.WithGattReader(a.hub),
		session.WithErrorSink(a.hub.ReportError),
	)
	a.tx = transmit.NewTransmitter(a.hub, a.logger)
	a.fwd = uplink.NewForwarder(a.logger.Named("rows"), aggregator.SortByLastSeen, targets...)
}

// startSession applies defaults to cfg, starts it and tracks it in the session log.
func (a *App) startSession(ctx context.Context, cfg session.ScanConfig) (*session.Session, error) {
	a.defaultsMu.RLock()
	cfg = a.defaults.apply(cfg)
	a.defaultsMu.RUnlock()

	s, err := a.ctrl.Start(ctx, cfg)
	if s == nil {
		return nil, err
	}

	body, _ := json.Marshal(s.Config())
	if rerr := a.store.RecordSessionStart(ctx, model.SessionRecord{
		ID:        s.ID(),
		Config:    string(body),
		State:     s.State().String(),
		StartedAt: s.StartedAt(),
	}); rerr != nil {
		a.logger.Warn("record session start", zap.String("session_id", s.ID()), zap.Error(rerr))
	}

	if err == nil {
		a.fwd.Attach(context.Background(), s)
	}

	a.watchers.Add(1)
	go func() {
		defer a.watchers.Done()
		<-s.Done()
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if rerr := a.store.RecordSessionEnd(wctx, s.ID(), s.State().String(), time.Now(), s.Stats().Recorded); rerr != nil {
			a.logger.Warn("record session end", zap.String("session_id", s.ID()), zap.Error(rerr))
		}
	}()

	return s, err
}

func mqttPort(b *mqttbroker.Broker) int {
	if tcp, ok := b.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
