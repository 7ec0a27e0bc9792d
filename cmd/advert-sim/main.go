// Command advert-sim pretends to be a scanner gateway. It publishes
// advertisements for a set of virtual transmitters and answers the GATT
// requests the monitor sends for FolkBears GATT devices. Advertise commands
// from the monitor add one more transmitter that serves the commanded
// characteristic value.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"folkbears/go-beacon-monitor/internal/codec"
	"folkbears/go-beacon-monitor/internal/ingest"
	"folkbears/go-beacon-monitor/internal/logger"
	"folkbears/go-beacon-monitor/internal/model"
	"folkbears/go-beacon-monitor/internal/transmit"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type device struct {
	address string
	data    []byte
	// value is the characteristic value served on read; empty when the
	// device does not accept connections.
	value []byte
}

// fleet is the set of transmitters the simulator currently advertises.
type fleet struct {
	mu        sync.Mutex
	devices   []device
	byAddress map[string]device
}

func newFleet(devices []device) *fleet {
	f := &fleet{byAddress: make(map[string]device, len(devices))}
	for _, d := range devices {
		f.add(d)
	}
	return f
}

func (f *fleet) add(d device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, d)
	f.byAddress[d.address] = d
}

func (f *fleet) remove(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byAddress, address)
	for i, d := range f.devices {
		if d.address == address {
			f.devices = append(f.devices[:i], f.devices[i+1:]...)
			return
		}
	}
}

func (f *fleet) lookup(address string) (device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.byAddress[strings.ToUpper(address)]
	return d, ok
}

func (f *fleet) snapshot() []device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device(nil), f.devices...)
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-gw-1", "Scanner gateway identifier")
	formats := flag.String("formats", "ibeacon,folkgatt,ensim,manufacturer", "Comma separated formats to simulate")
	perFormat := flag.Int("devices", 2, "Virtual transmitters per format")
	interval := flag.Duration("interval", time.Second, "Interval between advertisement rounds")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")
	manufacturerID := flag.String("manufacturer-id", "FFFF", "Company id used by manufacturer transmitters")
	logLevel := flag.String("log-level", "info", "Log level")

	flag.Parse()

	log, err := logger.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	mfgID, err := transmit.ParseUint16Hex(*manufacturerID)
	if err != nil {
		log.Fatal("invalid manufacturer id", zap.Error(err))
	}

	devices, err := buildDevices(*formats, *perFormat, mfgID)
	if err != nil {
		log.Fatal("invalid device set", zap.Error(err))
	}
	sim := newFleet(devices)
	selfAddress := randomAddress()

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal("failed to connect to broker", zap.Error(token.Error()))
	}
	log.Info("connected to MQTT broker", zap.String("broker", *brokerAddr), zap.String("client_id", clientID))

	readTopic := fmt.Sprintf("scanners/%s/gatt/read", *scannerID)
	resultTopic := fmt.Sprintf("scanners/%s/gatt/result", *scannerID)
	advertiseTopic := fmt.Sprintf("scanners/%s/advertise", *scannerID)
	advertsTopic := fmt.Sprintf("scanners/%s/adverts", *scannerID)

	rssi := func() int { return randomRSSI(*baseRSSI, *rssiJitter) }

	client.Subscribe(readTopic, 0, func(c mqtt.Client, m mqtt.Message) {
		var req ingest.GattRequest
		if err := json.Unmarshal(m.Payload(), &req); err != nil {
			log.Warn("bad gatt request", zap.Error(err))
			return
		}
		d, known := sim.lookup(req.Address)
		res, ok := answer(req, d, known, rssi())
		if !ok {
			return
		}
		body, _ := json.Marshal(res)
		c.Publish(resultTopic, 0, false, body)
		log.Debug("answered gatt request", zap.String("op", req.Op), zap.String("address", req.Address), zap.String("error", res.Error))
	}).Wait()

	client.Subscribe(advertiseTopic, 0, func(_ mqtt.Client, m mqtt.Message) {
		var cmd ingest.AdvertiseCommand
		if err := json.Unmarshal(m.Payload(), &cmd); err != nil {
			log.Warn("bad advertise command", zap.Error(err))
			return
		}
		log.Info("advertise command", zap.String("action", cmd.Action), zap.Int("bytes", len(cmd.Data)), zap.Bool("connectable", cmd.Connectable))
		sim.remove(selfAddress)
		if cmd.Action != ingest.ActionStart {
			return
		}
		self := device{address: selfAddress, data: cmd.Data}
		if cmd.Connectable {
			self.value = cmd.GattValue
		}
		sim.add(self)
		log.Info("advertising for the monitor", zap.String("address", selfAddress), zap.ByteString("gatt_value", self.value))
	}).Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		devices := sim.snapshot()
		for _, d := range devices {
			env := ingest.AdvertEnvelope{Address: d.address, RSSI: rssi(), Data: d.data}
			data, err := json.Marshal(env)
			if err != nil {
				log.Error("failed to encode envelope", zap.Error(err))
				return
			}
			token := client.Publish(advertsTopic, 0, false, data)
			token.Wait()
			if err := token.Error(); err != nil {
				log.Warn("publish error", zap.Error(err))
				return
			}
		}
		log.Debug("published round", zap.Int("devices", len(devices)))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func buildDevices(list string, perFormat int, manufacturerID uint16) ([]device, error) {
	var out []device
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f, err := model.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		for i := 0; i < perFormat; i++ {
			d := device{address: randomAddress()}
			tempID := transmit.RandomTempID()
			var packet model.AdvertisePacket
			switch f {
			case model.FormatIBeacon:
				major, minor := transmit.RandomMajorMinor()
				packet = transmit.IBeaconPacket(codec.FolkBearsServiceUUID, major, minor, -59)
			case model.FormatManufacturer:
				packet = transmit.ManufacturerPacket(manufacturerID, tempID)
			case model.FormatEnSim:
				packet = transmit.EnSimPacket(tempID[:], i%2 == 1)
			case model.FormatFolkGatt:
				packet = transmit.GattServicePacket(fmt.Sprintf("FolkBears-%d", i+1))
				d.value = codec.EncodeGattJSON(tempID)
			}
			packet.TxPower = -8
			if d.data, err = codec.BuildAdvertisingData(packet); err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func answer(req ingest.GattRequest, d device, known bool, rssi int) (ingest.GattResult, bool) {
	res := ingest.GattResult{RequestID: req.RequestID, Address: req.Address}
	connectable := known && len(d.value) > 0
	switch req.Op {
	case ingest.OpDisconnect:
		return res, false
	case ingest.OpConnect:
		if !connectable {
			res.Error = "device not connectable"
			return res, true
		}
		res.RSSI = rssi
	case ingest.OpRead:
		if !connectable {
			res.Error = "not connected"
			return res, true
		}
		if !strings.EqualFold(req.Characteristic, codec.FolkBearsCharacteristicUUID.String()) {
			res.Error = "unknown characteristic " + req.Characteristic
			return res, true
		}
		res.Value = d.value
	default:
		res.Error = "unsupported op " + req.Op
	}
	return res, true
}

func randomAddress() string {
	b := make([]string, 6)
	for i := range b {
		b[i] = fmt.Sprintf("%02X", rand.IntN(256))
	}
	// locally administered, unicast
	b[0] = fmt.Sprintf("%02X", (rand.IntN(256)|0x02)&0xFE)
	return strings.Join(b, ":")
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.IntN(jitter*2+1) - jitter
	return base + delta
}
