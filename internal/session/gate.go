package session

// DefaultGattGateMs is how long a device stays known after a connect or read.
const DefaultGattGateMs int64 = 10_000

type deviceStatus int

const (
	deviceNone deviceStatus = iota
	deviceConnect
	deviceRead
)

type traceDevice struct {
	tempID string
	ts     int64
	rssi   int
	status deviceStatus
}

// connectGate admits at most one GATT connection per MAC per interval.
// It is owned by the session actor and is not safe for concurrent use.
type connectGate struct {
	intervalMs int64
	devices    map[string]traceDevice
}

func newConnectGate(intervalMs int64) *connectGate {
	if intervalMs <= 0 {
		intervalMs = DefaultGattGateMs
	}
	return &connectGate{intervalMs: intervalMs, devices: make(map[string]traceDevice)}
}

// expire forgets devices whose last activity is at or before now - interval.
func (g *connectGate) expire(now int64) {
	for mac, d := range g.devices {
		if d.ts <= now-g.intervalMs {
			delete(g.devices, mac)
		}
	}
}

// admit reports whether a connection to mac may start now, and if so marks it connecting.
func (g *connectGate) admit(mac string, now int64, rssi int) bool {
	g.expire(now)
	if _, ok := g.devices[mac]; ok {
		return false
	}
	g.devices[mac] = traceDevice{ts: now, rssi: rssi, status: deviceConnect}
	return true
}

// markRead records a successful read; it restarts the interval for mac.
func (g *connectGate) markRead(mac, tempID string, now int64) {
	g.devices[mac] = traceDevice{tempID: tempID, ts: now, status: deviceRead}
}

func (g *connectGate) status(mac string) deviceStatus {
	d, ok := g.devices[mac]
	if !ok {
		return deviceNone
	}
	return d.status
}

func (g *connectGate) len() int {
	return len(g.devices)
}
