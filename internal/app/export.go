package app

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folkbears/go-beacon-monitor/internal/model"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

var exportHeader = []string{"format", "key", "count", "last_seen", "last_rssi", "last_tx_power", "address"}

// handleExport writes the current window as CSV, gzipped when the client accepts it.
func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%s.csv"`, s.ID()))

	var out io.Writer = w
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz, _ := gzip.NewWriterLevel(w, gzip.BestSpeed)
		defer func() {
			if err := gz.Close(); err != nil {
				a.logger.Warn("export: gzip close", zap.Error(err))
			}
		}()
		out = gz
	}

	if err := writeRowsCSV(out, rows); err != nil {
		a.logger.Warn("export: write failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

func writeRowsCSV(w io.Writer, rows []model.AggregateRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		tx := ""
		if row.LastTxPower != nil {
			tx = strconv.Itoa(*row.LastTxPower)
		}
		record := []string{
			row.Format.String(),
			row.Key,
			strconv.Itoa(row.Count),
			time.UnixMilli(row.LastSeenMs).UTC().Format(time.RFC3339Nano),
			strconv.Itoa(row.LastRSSI),
			tx,
			sightingAddress(row.Representative),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func sightingAddress(s model.Sighting) string {
	switch v := s.(type) {
	case model.IBeaconSighting:
		return v.Address
	case model.EnSimSighting:
		return v.Address
	case model.FolkGattSighting:
		return v.MAC
	case model.ManufacturerSighting:
		return v.DeviceAddress
	default:
		return ""
	}
}
