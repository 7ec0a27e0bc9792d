package app

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folkbears/go-beacon-monitor/internal/aggregator"
	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/session"
	"folkbears/go-beacon-monitor/internal/transmit"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(a.metricsMiddleware)
	r.Use(a.loggingMiddleware)

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", a.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", a.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/history", a.handleSessionHistory).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", a.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", a.handleStopSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/rows", a.handleRows).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/export", a.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", a.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/transmit", a.handleActiveTransmit).Methods(http.MethodGet)
	api.HandleFunc("/transmit", a.handleStopTransmit).Methods(http.MethodDelete)
	api.HandleFunc("/transmit/{format}", a.handleStartTransmit).Methods(http.MethodPost)
	api.HandleFunc("/scanners", a.handleScanners).Methods(http.MethodGet)
	api.HandleFunc("/errors", a.handleErrors).Methods(http.MethodGet)
	api.HandleFunc("/config", a.serveConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", a.updateConfig).Methods(http.MethodPost)
	api.HandleFunc("/admin/wipe", a.handleWipeDatabase).Methods(http.MethodPost)

	return r
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Hijack lets the websocket upgrader take over wrapped connections.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("ip", r.RemoteAddr),
			zap.Int("status", rw.statusCode),
			zap.Int("response_size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() || a.store == nil || a.hub == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.DB().PingContext(ctx); err != nil {
		a.logger.Error("readiness: database ping failed", zap.Error(err))
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"scanners": len(a.hub.Scanners()),
		"sessions": len(a.ctrl.List()),
		"uplink":   a.uplink != nil,
	})
}

type filterRequest struct {
	Data string `json:"data"`
	Mask string `json:"mask,omitempty"`
}

type startSessionRequest struct {
	Formats            []model.Format `json:"formats"`
	ScannerID          string         `json:"scanner_id"`
	WindowMs           int64          `json:"window_ms"`
	PruneIntervalMs    int64          `json:"prune_interval_ms"`
	ManufacturerID     string         `json:"manufacturer_id"`
	ManufacturerFilter *filterRequest `json:"manufacturer_filter"`
	GattGateMs         int64          `json:"gatt_gate_ms"`
	GattTimeoutMs      int64          `json:"gatt_timeout_ms"`
}

func (req startSessionRequest) scanConfig() (session.ScanConfig, error) {
	cfg := session.ScanConfig{
		Formats:         req.Formats,
		ScannerID:       strings.TrimSpace(req.ScannerID),
		WindowMs:        req.WindowMs,
		PruneIntervalMs: req.PruneIntervalMs,
		GattGateMs:      req.GattGateMs,
		GattTimeoutMs:   req.GattTimeoutMs,
	}
	if req.ManufacturerID != "" {
		id, err := transmit.ParseUint16Hex(req.ManufacturerID)
		if err != nil {
			return cfg, fmt.Errorf("manufacturer_id: %w", err)
		}
		cfg.ManufacturerID = id
	}
	if f := req.ManufacturerFilter; f != nil {
		data, err := hex.DecodeString(transmit.ParseHexInput(f.Data, 0))
		if err != nil {
			return cfg, fmt.Errorf("manufacturer_filter.data: %w", err)
		}
		mask, err := hex.DecodeString(transmit.ParseHexInput(f.Mask, 0))
		if err != nil {
			return cfg, fmt.Errorf("manufacturer_filter.mask: %w", err)
		}
		cfg.ManufacturerFilter = codec.ManufacturerFilter{Data: data, Mask: mask}
	}
	return cfg, nil
}

type sessionView struct {
	ID        string             `json:"id"`
	State     session.State      `json:"state"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Config    session.ScanConfig `json:"config"`
	Stats     session.Stats      `json:"stats"`
}

func viewOf(s *session.Session) sessionView {
	v := sessionView{
		ID:        s.ID(),
		State:     s.State(),
		StartedAt: s.StartedAt(),
		Config:    s.Config(),
		Stats:     s.Stats(),
	}
	if err := s.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

func (a *App) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	cfg, err := req.scanConfig()
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := a.startSession(r.Context(), cfg)
	switch {
	case s == nil:
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrPermissionDenied):
		a.writeJSON(w, http.StatusForbidden, viewOf(s))
	case err != nil:
		a.writeJSON(w, http.StatusServiceUnavailable, viewOf(s))
	default:
		w.Header().Set("Location", "/api/sessions/"+s.ID())
		a.writeJSON(w, http.StatusCreated, viewOf(s))
	}
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.ctrl.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *App) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	records, err := a.store.SessionLog(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load session log", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load session log")
		return
	}
	if records == nil {
		records = []model.SessionRecord{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (a *App) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := mux.Vars(r)["id"]
	s, ok := a.ctrl.Get(id)
	if !ok {
		a.writeError(w, http.StatusNotFound, session.ErrSessionNotFound.Error())
		return nil, false
	}
	return s, true
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(s))
}

func (a *App) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := a.ctrl.Stop(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		a.logger.Warn("session stop reported an error", zap.String("session_id", id), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseSort(r *http.Request) (aggregator.SortOrder, error) {
	return aggregator.ParseSortOrder(r.URL.Query().Get("sort"))
}

func (a *App) handleRows(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	order, err := parseSort(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows := s.Snapshot(order)
	if rows == nil {
		rows = []model.AggregateRow{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID(),
		"sort":       order.String(),
		"rows":       rows,
	})
}

func (a *App) handleStartTransmit(w http.ResponseWriter, r *http.Request) {
	format, err := model.ParseFormat(mux.Vars(r)["format"])
	if err != nil {
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req transmit.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}

	cycle, err := req.Cycle(format)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cycle, err = a.tx.Start(r.Context(), cycle)
	switch {
	case errors.Is(err, session.ErrPlatformUnavailable):
		a.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, codec.ErrMalformedAD):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.logger.Error("failed to start advertising", zap.Error(err))
		a.writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.writeJSON(w, http.StatusAccepted, cycle)
	}
}

func (a *App) handleActiveTransmit(w http.ResponseWriter, r *http.Request) {
	cycle, ok := a.tx.Active()
	if !ok {
		a.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"active": true, "cycle": cycle})
}

func (a *App) handleStopTransmit(w http.ResponseWriter, r *http.Request) {
	err := a.tx.Stop(r.Context())
	switch {
	case errors.Is(err, transmit.ErrNotAdvertising):
		a.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Error("failed to stop advertising", zap.Error(err))
		a.writeError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) handleScanners(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	known, err := a.store.ListScanners(ctx)
	if err != nil {
		a.logger.Error("failed to load scanners", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load scanners")
		return
	}
	if known == nil {
		known = []model.ScannerInfo{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"live":  a.hub.Scanners(),
		"known": known,
	})
}

func (a *App) handleErrors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	errs, err := a.store.RecentIngestionErrors(ctx, queryLimit(r, 50, 500))
	if err != nil {
		a.logger.Error("failed to load ingestion errors", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load errors")
		return
	}
	if errs == nil {
		errs = []model.IngestionError{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}

	a.defaultsMu.RLock()
	defaults := a.defaults
	a.defaultsMu.RUnlock()

	a.writeJSON(w, http.StatusOK, map[string]any{
		"active": map[string]any{
			"http_port":     a.cfg.HTTPPort,
			"mqtt_bind":     a.cfg.MQTTBindAddress,
			"metrics_port":  a.cfg.MetricsPort,
			"database_path": a.cfg.DatabasePath,
			"log_level":     a.cfg.LogLevel,
			"mdns":          a.cfg.MDNSEnabled,
			"uplink_broker": a.cfg.UplinkBroker,
		},
		"session_defaults": defaults,
		"persisted":        persisted,
	})
}

// updateConfig persists session defaults. They apply to sessions started
// afterwards; running sessions keep their configuration.
func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	a.defaultsMu.RLock()
	next := a.defaults
	a.defaultsMu.RUnlock()

	var updates []model.AppConfigEntry
	for key, raw := range req {
		value := strings.Trim(string(raw), `"`)
		known, err := next.set(key, value)
		if !known {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported field %q", key))
			return
		}
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates = append(updates, model.AppConfigEntry{Key: key, Value: value})
	}
	if len(updates) == 0 {
		a.writeError(w, http.StatusBadRequest, "no supported fields provided")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, u := range updates {
		if err := a.store.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update config", zap.String("key", u.Key), zap.Error(err))
			a.writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}

	a.defaultsMu.Lock()
	a.defaults = next
	a.defaultsMu.Unlock()

	a.writeJSON(w, http.StatusOK, map[string]any{
		"updates":          updates,
		"session_defaults": next,
	})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		a.writeError(w, http.StatusBadRequest, "confirmation required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "failed to wipe data")
		return
	}

	a.logger.Warn("wipe: scanner, error and session history cleared")
	w.WriteHeader(http.StatusNoContent)
}

func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}
