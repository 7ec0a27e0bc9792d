package aggregator

import (
	"fmt"
	"sync"
	"testing"

	"folkbears/go-beacon-monitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const proximity = "E2C56DB5DFFB48D2B060D0F5A71096E0"

func beacon(minor uint16, rssi int, ts int64) model.IBeaconSighting {
	return model.IBeaconSighting{ServiceUUID: proximity, Major: 1, Minor: minor, RSSI: rssi, TxPower: -59, TimestampMs: ts}
}

func TestNew_ClampsWindow(t *testing.T) {
	assert.Equal(t, DefaultWindowMs, New(0).Window())
	assert.Equal(t, DefaultWindowMs, New(-5).Window())
	assert.Equal(t, int64(1000), New(1000).Window())
}

func TestSnapshot_CountsEveryRecord(t *testing.T) {
	a := New(DefaultWindowMs)
	for i := 0; i < 5; i++ {
		a.Record(beacon(2, -60, 100))
	}

	rows := a.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 5, rows[0].Count)
	assert.Equal(t, 5, a.Len())
}

func TestPrune_WindowBoundary(t *testing.T) {
	a := New(1000)
	a.Record(beacon(2, -60, 0))

	assert.Equal(t, 0, a.Prune(1000))
	require.Len(t, a.Snapshot(), 1)

	assert.Equal(t, 1, a.Prune(1001))
	assert.Empty(t, a.Snapshot())
}

func TestPrune_KeepsOrderOfSurvivors(t *testing.T) {
	a := New(100)
	a.Record(beacon(1, -60, 10))
	a.Record(beacon(2, -60, 200))
	a.Record(beacon(3, -60, 20))
	a.Record(beacon(4, -60, 250))

	assert.Equal(t, 2, a.Prune(300))

	rows := a.Snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, uint16(2), rows[0].Representative.(model.IBeaconSighting).Minor)
	assert.Equal(t, uint16(4), rows[1].Representative.(model.IBeaconSighting).Minor)
}

func TestSnapshot_KeysAreIndependent(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(model.EnSimSighting{TempID: "AA", RSSI: -40, TimestampMs: 1})
	a.Record(model.EnSimSighting{TempID: "BB", RSSI: -41, TimestampMs: 2})
	a.Record(model.EnSimSighting{TempID: "AA", RSSI: -42, TimestampMs: 3})
	a.Record(model.ManufacturerSighting{TempID: "CC", RSSI: -43, TimestampMs: 4})

	rows := a.Snapshot()
	require.Len(t, rows, 3)

	assert.Equal(t, "AA", rows[0].Key)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, int64(3), rows[0].LastSeenMs)
	assert.Equal(t, -42, rows[0].LastRSSI)
	assert.Equal(t, model.FormatEnSim, rows[0].Format)

	assert.Equal(t, "BB", rows[1].Key)
	assert.Equal(t, 1, rows[1].Count)

	assert.Equal(t, "CC", rows[2].Key)
	assert.Equal(t, model.FormatManufacturer, rows[2].Format)
	require.NotNil(t, rows[2].LastTxPower)
}

func TestSnapshot_EndToEnd(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(beacon(2, -70, 0))
	a.Record(beacon(2, -65, 1000))
	a.Record(beacon(3, -80, 1500))
	a.Record(beacon(2, -60, 2000))

	rows := a.Snapshot()
	SortRows(rows, SortByLastSeen)
	require.Len(t, rows, 2)

	assert.Equal(t, uint16(2), rows[0].Representative.(model.IBeaconSighting).Minor)
	assert.Equal(t, 3, rows[0].Count)
	assert.Equal(t, int64(2000), rows[0].LastSeenMs)
	assert.Equal(t, -60, rows[0].LastRSSI)
	require.NotNil(t, rows[0].LastTxPower)
	assert.Equal(t, -59, *rows[0].LastTxPower)

	assert.Equal(t, uint16(3), rows[1].Representative.(model.IBeaconSighting).Minor)
	assert.Equal(t, 1, rows[1].Count)
	assert.Equal(t, int64(1500), rows[1].LastSeenMs)
}

func TestSnapshot_TieGoesToLastRecorded(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(beacon(2, -70, 500))
	a.Record(beacon(2, -50, 500))

	rows := a.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, -50, rows[0].LastRSSI)
}

func TestSnapshot_OutOfOrderTimestamps(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(beacon(2, -50, 900))
	a.Record(beacon(2, -70, 100))

	rows := a.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(900), rows[0].LastSeenMs)
	assert.Equal(t, -50, rows[0].LastRSSI)
}

func TestWithKeyFunc(t *testing.T) {
	byMajor := func(s model.Sighting) string {
		return fmt.Sprintf("major-%d", s.(model.IBeaconSighting).Major)
	}
	a := New(DefaultWindowMs, WithKeyFunc(byMajor))
	a.Record(beacon(1, -60, 1))
	a.Record(beacon(2, -60, 2))

	rows := a.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "major-1", rows[0].Key)
	assert.Equal(t, 2, rows[0].Count)
}

func TestReset(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(beacon(1, -60, 1))
	a.Reset()
	assert.Zero(t, a.Len())
	assert.Empty(t, a.Snapshot())
}

func TestRecord_IgnoresNil(t *testing.T) {
	a := New(DefaultWindowMs)
	a.Record(nil)
	assert.Zero(t, a.Len())
}

func TestSortRows(t *testing.T) {
	rows := []model.AggregateRow{
		{Key: "a", Count: 1, LastSeenMs: 300},
		{Key: "b", Count: 5, LastSeenMs: 100},
		{Key: "c", Count: 5, LastSeenMs: 200},
		{Key: "d", Count: 1, LastSeenMs: 300},
	}

	byLastSeen := append([]model.AggregateRow(nil), rows...)
	SortRows(byLastSeen, SortByLastSeen)
	assert.Equal(t, []string{"a", "d", "c", "b"}, keys(byLastSeen))

	byCount := append([]model.AggregateRow(nil), rows...)
	SortRows(byCount, SortByCount)
	assert.Equal(t, []string{"c", "b", "a", "d"}, keys(byCount))
}

func TestParseSortOrder(t *testing.T) {
	o, err := ParseSortOrder("")
	require.NoError(t, err)
	assert.Equal(t, SortByLastSeen, o)

	o, err = ParseSortOrder("COUNT")
	require.NoError(t, err)
	assert.Equal(t, SortByCount, o)
	assert.Equal(t, "count", o.String())

	_, err = ParseSortOrder("rssi")
	assert.Error(t, err)
}

func TestAggregator_ConcurrentUse(t *testing.T) {
	a := New(DefaultWindowMs)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				a.Record(beacon(uint16(w), -60, int64(i)))
				if i%50 == 0 {
					a.Snapshot()
					a.Prune(0)
				}
			}
		}(w)
	}
	wg.Wait()

	rows := a.Snapshot()
	require.Len(t, rows, 4)
	total := 0
	for _, r := range rows {
		total += r.Count
	}
	assert.Equal(t, 1000, total)
}

func keys(rows []model.AggregateRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}
