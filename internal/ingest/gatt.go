package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"folkbears/go-beacon-monitor/internal/mqttbroker"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownDevice means no gateway has recently heard the address.
	ErrUnknownDevice = errors.New("no gateway has seen device")
	// ErrGattFailed wraps an error reported by the gateway.
	ErrGattFailed = errors.New("gatt operation failed")
)

// Connect asks the gateway that last heard address to open a link and
// returns the RSSI it reports.
func (h *Hub) Connect(ctx context.Context, address string) (int, error) {
	res, err := h.request(ctx, GattRequest{Op: OpConnect, Address: address})
	if err != nil {
		return 0, err
	}
	return res.RSSI, nil
}

// ReadCharacteristic reads one characteristic value over an open link.
func (h *Hub) ReadCharacteristic(ctx context.Context, address string, service, characteristic uuid.UUID) ([]byte, error) {
	res, err := h.request(ctx, GattRequest{
		Op:             OpRead,
		Address:        address,
		Service:        strings.ToUpper(service.String()),
		Characteristic: strings.ToUpper(characteristic.String()),
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Disconnect tells the gateway to drop the link. It does not wait for an answer.
func (h *Hub) Disconnect(_ context.Context, address string) error {
	scannerID, err := h.routeFor(address)
	if err != nil {
		return err
	}
	return h.send(scannerID, GattRequest{RequestID: uuid.NewString(), Op: OpDisconnect, Address: address})
}

func (h *Hub) routeFor(address string) (string, error) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	r, ok := h.devices[strings.ToUpper(address)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	return r.scannerID, nil
}

func (h *Hub) send(scannerID string, req GattRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode gatt request: %w", err)
	}
	if err := h.pub.Publish(fmt.Sprintf(topicGattRead, scannerID), body); err != nil {
		return fmt.Errorf("publish gatt request: %w", err)
	}
	return nil
}

func (h *Hub) request(ctx context.Context, req GattRequest) (GattResult, error) {
	scannerID, err := h.routeFor(req.Address)
	if err != nil {
		return GattResult{}, err
	}

	req.RequestID = uuid.NewString()
	ch := make(chan GattResult, 1)

	h.pendMu.Lock()
	h.pending[req.RequestID] = ch
	h.pendMu.Unlock()
	defer func() {
		h.pendMu.Lock()
		delete(h.pending, req.RequestID)
		h.pendMu.Unlock()
	}()

	if err := h.send(scannerID, req); err != nil {
		return GattResult{}, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return GattResult{}, fmt.Errorf("%w: %s %s: %s", ErrGattFailed, req.Op, req.Address, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return GattResult{}, fmt.Errorf("gatt %s %s: %w", req.Op, req.Address, ctx.Err())
	}
}

func (h *Hub) handleGattResult(_ context.Context, msg mqttbroker.Message) {
	var res GattResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		h.reject("gatt_result", msg.Topic, msg.Payload, fmt.Errorf("decode gatt result: %w", err))
		return
	}

	h.pendMu.Lock()
	ch, ok := h.pending[res.RequestID]
	delete(h.pending, res.RequestID)
	h.pendMu.Unlock()

	if !ok {
		h.logger.Debug("late or unknown gatt result", zap.String("request", res.RequestID), zap.String("topic", msg.Topic))
		return
	}
	ch <- res
}
