package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folkbears_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// DB
	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "folkbears_db_query_duration_seconds",
		Help:    "Database query duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// MQTT broker
	MQTTClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folkbears_mqtt_clients",
		Help: "Number of connected MQTT clients",
	})

	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_mqtt_publishes_total",
		Help: "MQTT PUBLISH packets by direction",
	}, []string{"direction"})

	// ingest
	AdvertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_adverts_ingested_total",
		Help: "Advertisement envelopes accepted from scanner gateways",
	}, []string{"scanner"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_ingest_errors_total",
		Help: "Payloads rejected during ingest",
	}, []string{"source"})

	// sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folkbears_active_sessions",
		Help: "Scan sessions currently running",
	})

	SightingsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_sightings_recorded_total",
		Help: "Decoded sightings recorded into session windows",
	}, []string{"format"})

	AdvertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folkbears_adverts_dropped_total",
		Help: "Advertisements dropped because a session inbox was full",
	})

	EntriesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folkbears_window_entries_pruned_total",
		Help: "Sightings removed from session windows by the prune tick",
	})

	GattReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folkbears_gatt_reads_total",
		Help: "GATT characteristic reads by outcome",
	}, []string{"outcome"})

	GattReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "folkbears_gatt_read_duration_seconds",
		Help:    "Connect, read and disconnect round trip",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	// transmit
	AdvertisingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "folkbears_advertising_active",
		Help: "1 while an advertisement cycle is running",
	})
)
