package ingest

import (
	"context"
	"errors"
	"fmt"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/session"

	"github.com/goccy/go-json"
)

// StartAdvertising forwards the packet's AD bytes to the transmitting gateways.
func (h *Hub) StartAdvertising(_ context.Context, packet model.AdvertisePacket) error {
	data, err := codec.BuildAdvertisingData(packet)
	if err != nil {
		return err
	}
	targets := h.advertiseTargets()
	if len(targets) == 0 {
		return fmt.Errorf("no gateway to advertise from: %w", session.ErrPlatformUnavailable)
	}
	return h.broadcast(targets, AdvertiseCommand{
		Action:      ActionStart,
		Data:        data,
		Connectable: packet.Connectable,
		GattValue:   packet.GattValue,
	})
}

// StopAdvertising tells the transmitting gateways to go quiet.
func (h *Hub) StopAdvertising(_ context.Context) error {
	return h.broadcast(h.advertiseTargets(), AdvertiseCommand{Action: ActionStop})
}

func (h *Hub) advertiseTargets() []string {
	if h.advertiserID != "" {
		return []string{h.advertiserID}
	}
	infos := h.Scanners()
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ScannerID
	}
	return ids
}

func (h *Hub) broadcast(targets []string, cmd AdvertiseCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode advertise command: %w", err)
	}
	var errs []error
	for _, id := range targets {
		if err := h.pub.Publish(fmt.Sprintf(topicAdvertise, id), body); err != nil {
			errs = append(errs, fmt.Errorf("advertise via %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
