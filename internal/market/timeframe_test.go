package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	for _, valid := range []string{"1", "5", "15", "60", "240", "D", "W"} {
		tf, err := ParseTimeframe(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, tf.String())
	}

	for _, invalid := range []string{"", "2", "1m", "d", "w", "1D"} {
		_, err := ParseTimeframe(invalid)
		assert.Error(t, err, "input %q", invalid)
	}
}

func TestTimeframeTables(t *testing.T) {
	assert.Equal(t, "candles1", TF1m.Table())
	assert.Equal(t, "candles60", TF1h.Table())
	assert.Equal(t, "candlesd", TF1d.Table())
	assert.Equal(t, "candlesw", TF1w.Table())
}

func TestTimeframeLabels(t *testing.T) {
	assert.Equal(t, "60m", TF1h.Label())
	assert.Equal(t, "1D", TF1d.Label())
	assert.Equal(t, "1W", TF1w.Label())
}

func TestSyncOrderCoarsestFirst(t *testing.T) {
	require.Len(t, SyncOrder, 7)
	assert.Equal(t, TF1w, SyncOrder[0])
	assert.Equal(t, TF1m, SyncOrder[len(SyncOrder)-1])
}

func TestCandleTablesCoversEveryTimeframe(t *testing.T) {
	tables := CandleTables()
	require.Len(t, tables, len(SyncOrder))
	seen := make(map[string]bool)
	for _, table := range tables {
		seen[table] = true
	}
	for _, tf := range SyncOrder {
		assert.True(t, seen[tf.Table()], "missing %s", tf.Table())
	}
}

func TestFormatOpenTime(t *testing.T) {
	// 2023-11-14T22:13:20Z
	assert.Equal(t, "2023-11-14 22:13:20", FormatOpenTime(1_700_000_000_000))
	// The configured backfill epoch.
	assert.Equal(t, "2000-01-01 00:00:00", FormatOpenTime(946_684_800_000))
}
