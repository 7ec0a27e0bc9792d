package ingest

import "fmt"

// Topic layout shared with scanner gateways. {id} is the gateway's scanner id.
const (
	TopicAdverts     = "scanners/+/adverts"
	TopicGattResults = "scanners/+/gatt/result"

	topicGattRead  = "scanners/%s/gatt/read"
	topicAdvertise = "scanners/%s/advertise"
)

// AdvertEnvelope is one advertisement report published by a gateway.
// Data and ScanResponse carry raw AD structures and are base64 in JSON.
type AdvertEnvelope struct {
	Address      string `json:"address"`
	RSSI         int    `json:"rssi"`
	TxPower      *int   `json:"tx_power,omitempty"`
	Data         []byte `json:"data"`
	ScanResponse []byte `json:"scan_response,omitempty"`
}

func (e AdvertEnvelope) validate() error {
	if e.Address == "" {
		return fmt.Errorf("missing address")
	}
	if len(e.Data) == 0 && len(e.ScanResponse) == 0 {
		return fmt.Errorf("missing advertising data")
	}
	if e.RSSI > 20 || e.RSSI < -127 {
		return fmt.Errorf("rssi %d out of range", e.RSSI)
	}
	return nil
}

// GATT operations a gateway performs on request.
const (
	OpConnect    = "connect"
	OpRead       = "read"
	OpDisconnect = "disconnect"
)

// GattRequest asks a gateway to run one step of the GATT exchange.
type GattRequest struct {
	RequestID      string `json:"request_id"`
	Op             string `json:"op"`
	Address        string `json:"address"`
	Service        string `json:"service,omitempty"`
	Characteristic string `json:"characteristic,omitempty"`
}

// GattResult answers a GattRequest. Value is base64 in JSON.
type GattResult struct {
	RequestID string `json:"request_id"`
	Address   string `json:"address,omitempty"`
	RSSI      int    `json:"rssi,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Advertise actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// AdvertiseCommand tells a gateway to start or stop transmitting.
type AdvertiseCommand struct {
	Action      string `json:"action"`
	Data        []byte `json:"data,omitempty"`
	Connectable bool   `json:"connectable,omitempty"`
	// GattValue is the characteristic value to serve while connectable.
	GattValue   []byte `json:"gatt_value,omitempty"`
}
